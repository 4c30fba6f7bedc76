package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/outbox"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
	"github.com/c360studio/busd/internal/sqlstore"
	"github.com/c360studio/busd/internal/workflowengine"
)

func newWorkflowCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Multi-agent workflow template operations",
	}
	cmd.AddCommand(newWorkflowExecuteCmd(configPath))
	cmd.AddCommand(newWorkflowGetCmd(configPath))
	return cmd
}

// connectEngine mirrors connectOutbox: busctl is an admin client against an
// already-running busd daemon's NATS server, never an embedded server of
// its own.
func connectEngine(configPath string) (*workflowengine.Engine, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	conn, err := nats.Connect("nats://" + cfg.NATS.HostPort)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to busd NATS at %s: %w", cfg.NATS.HostPort, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx := adminCtx()
	reg := registry.New(cfg.Registry.SnapshotPath)
	if err := reg.Load(); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}
	convoStore, err := convo.NewStore(ctx, js)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open conversation context store: %w", err)
	}
	db, err := sqlstore.Open(ctx, cfg.SQLite.Path)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	ob, err := outbox.New(ctx, js, reg, convoStore, queue.New(db.DB), cfg.Mail.Dir)
	if err != nil {
		_ = db.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("open outbox: %w", err)
	}

	templates := workflowengine.NewTemplateStore()
	if cfg.Workflow.TemplatesFile != "" {
		if err := templates.LoadFile(cfg.Workflow.TemplatesFile); err != nil {
			// Fall back to the built-in templates, same as the daemon does
			// on a missing or malformed templates file.
			fmt.Fprintf(os.Stderr, "busctl: workflow templates file unavailable, using built-in defaults: %v\n", err)
		}
	}

	engine, err := workflowengine.New(ctx, js, templates, reg, ob)
	if err != nil {
		_ = db.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("open workflow engine: %w", err)
	}
	closeFn := func() {
		_ = db.Close()
		conn.Close()
	}
	return engine, closeFn, nil
}

func newWorkflowExecuteCmd(configPath *string) *cobra.Command {
	var inputsCSV []string

	cmd := &cobra.Command{
		Use:   "execute <template_name>",
		Short: "Start a new workflow instance from a named template (admin-gated: workflow_execute equivalent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := gate.Check("workflow_execute", operatorAuth()); err != nil {
				return err
			}

			inputs, err := parseInputs(inputsCSV)
			if err != nil {
				return err
			}

			engine, closeFn, err := connectEngine(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			var inst *workflowengine.Instance
			err = withAudit(cfg, "workflow_execute", "busctl",
				map[string]any{"template_name": args[0], "inputs": inputs},
				func() error {
					var execErr error
					inst, execErr = engine.ExecuteWorkflow(adminCtx(), args[0], inputs)
					return execErr
				})
			if err != nil {
				return err
			}
			fmt.Printf("instance %s (template=%s status=%s steps=%d)\n",
				inst.InstanceID, inst.TemplateName, inst.Status, len(inst.Steps))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputsCSV, "input", nil, "template input as key=value (repeatable)")
	return cmd
}

func newWorkflowGetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <instance_id>",
		Short: "Show a workflow instance's current step statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gate.Check("workflow_execute", operatorAuth()); err != nil {
				return err
			}

			engine, closeFn, err := connectEngine(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			inst, err := engine.Get(adminCtx(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("instance %s (template=%s status=%s)\n", inst.InstanceID, inst.TemplateName, inst.Status)
			for stepID, step := range inst.Steps {
				fmt.Printf("  %s: status=%s agent=%s\n", stepID, step.Status, step.AgentID)
			}
			return nil
		},
	}
	return cmd
}

// parseInputs turns repeated --input key=value flags into a template
// inputs map, the same flat key=value shape the daemon's workflow
// templates consume.
func parseInputs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --input %q: want key=value", kv)
		}
		inputs[k] = v
	}
	return inputs, nil
}
