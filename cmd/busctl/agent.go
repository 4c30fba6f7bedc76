package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/registry"
)

func newAgentCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent registry admin operations",
	}
	cmd.AddCommand(newAgentRegisterCmd(configPath))
	cmd.AddCommand(newAgentApproveCmd(configPath))
	return cmd
}

func openRegistry(configPath string) (*registry.Registry, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg.Registry.SnapshotPath)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}

func newAgentRegisterCmd(configPath *string) *cobra.Command {
	var (
		agentType, role, capsCSV   string
		maxConcurrent, numericCode int
		sendEnabled                bool
	)

	cmd := &cobra.Command{
		Use:   "register <agent_id>",
		Short: "Register or re-register an agent (admin-gated: agent_register)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := gate.Check("agent_register", operatorAuth()); err != nil {
				return err
			}

			reg, err := openRegistry(*configPath)
			if err != nil {
				return err
			}
			var caps []string
			if capsCSV != "" {
				caps = strings.Split(capsCSV, ",")
			}
			var send *bool
			if cmd.Flags().Changed("send-enabled") {
				send = &sendEnabled
			}

			var agent *bus.Agent
			err = withAudit(cfg, "agent_register", "busctl",
				map[string]any{"agent_id": args[0], "agent_type": agentType, "role": role, "numeric_code": numericCode},
				func() error {
					var regErr error
					agent, regErr = reg.RegisterAgent(args[0], agentType, role, caps, maxConcurrent, numericCode, send, bus.AgentCategory(""))
					return regErr
				})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (role=%s numeric_code=%d category=%s send_enabled=%v)\n",
				agent.AgentID, agent.Role, agent.NumericCode, agent.Category, agent.SendEnabled)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentType, "type", "", "agent_type")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&capsCSV, "capabilities", "", "comma-separated capabilities")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 5, "max_concurrent_tasks")
	cmd.Flags().IntVar(&numericCode, "numeric-code", 0, "numeric_code (0 = auto-allocate)")
	cmd.Flags().BoolVar(&sendEnabled, "send-enabled", true, "send_enabled override")
	return cmd
}

func newAgentApproveCmd(configPath *string) *cobra.Command {
	var maxConcurrent, numericCode int

	cmd := &cobra.Command{
		Use:   "approve <agent_id>",
		Short: "Approve a pending agent application into a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := gate.Check("agent_approve", operatorAuth()); err != nil {
				return err
			}

			reg, err := openRegistry(*configPath)
			if err != nil {
				return err
			}

			var agent *bus.Agent
			err = withAudit(cfg, "agent_approve", "busctl",
				map[string]any{"agent_id": args[0], "numeric_code": numericCode},
				func() error {
					var approveErr error
					agent, approveErr = reg.Approve(args[0], maxConcurrent, numericCode, nil, bus.AgentCategory(""))
					return approveErr
				})
			if err != nil {
				return err
			}
			fmt.Printf("approved %s (numeric_code=%d)\n", agent.AgentID, agent.NumericCode)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 5, "max_concurrent_tasks")
	cmd.Flags().IntVar(&numericCode, "numeric-code", 0, "numeric_code override (0 = auto-allocate)")
	return cmd
}
