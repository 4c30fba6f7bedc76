package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/aggregator"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/orchestrator"
)

func newTaskCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task document operations",
	}
	cmd.AddCommand(newTaskStatusCmd(configPath))
	cmd.AddCommand(newTaskResultCmd(configPath))
	return cmd
}

// connectOrchestrator mirrors connectOutbox: busctl is a client to the
// running daemon's NATS server, reading the same task bucket.
func connectOrchestrator(configPath string) (*orchestrator.Orchestrator, *aggregator.Aggregator, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	conn, err := nats.Connect("nats://" + cfg.NATS.HostPort)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to busd NATS at %s: %w", cfg.NATS.HostPort, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	orch, err := orchestrator.New(adminCtx(), js, nil)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("open orchestrator: %w", err)
	}
	agg := aggregator.New(orch, cfg.Mail.Dir)
	return orch, agg, conn.Close, nil
}

func newTaskStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show a task's derived status and subtask progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gate.Check("ata_task_status", operatorAuth()); err != nil {
				return err
			}

			orch, _, closeFn, err := connectOrchestrator(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			task, err := orch.Get(adminCtx(), args[0])
			if err != nil {
				return err
			}
			progress := orchestrator.ComputeProgress(task)
			fmt.Printf("task %s status=%s progress=%d/%d (%.0f%%)\n",
				task.TaskID, task.Status, progress.Completed, progress.Total, progress.Percentage)
			for _, st := range task.Plan.Subtasks {
				fmt.Printf("  %s: status=%s role=%s agent=%s\n", st.SubtaskID, st.Status, st.Role, st.AssignedAgent)
			}
			return nil
		},
	}
}

func newTaskResultCmd(configPath *string) *cobra.Command {
	var strategy string
	var includeIntermediate bool

	cmd := &cobra.Command{
		Use:   "result <task_id>",
		Short: "Merge a task's subtask results (admin-gated: result_get)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := gate.Check("result_get", operatorAuth()); err != nil {
				return err
			}

			_, agg, closeFn, err := connectOrchestrator(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			var merged map[string]any
			err = withAudit(cfg, "result_get", "busctl",
				map[string]any{"task_id": args[0], "strategy": strategy},
				func() error {
					var getErr error
					merged, getErr = agg.GetResult(adminCtx(), args[0], includeIntermediate, aggregator.Strategy(strategy), nil)
					return getErr
				})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(merged)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "concatenate", "merge strategy: concatenate|intelligent|voting|weighted")
	cmd.Flags().BoolVar(&includeIntermediate, "include-intermediate", false, "fall back to per-task message files when no task document exists")
	return cmd
}
