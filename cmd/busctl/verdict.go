package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/sqlstore"
	"github.com/c360studio/busd/internal/taskid"
	"github.com/c360studio/busd/internal/verdict"
)

func newVerdictCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdict",
		Short: "CI gate verdict operations",
	}
	cmd.AddCommand(newVerdictProcessCmd(configPath))
	return cmd
}

func newVerdictProcessCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <verdict-file>",
		Short: "Process a CI verdict file and generate repair subtasks on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// ata_ci_verify is a system hook: callable by an authenticated
			// system user without admin privilege. busctl's operator is
			// authenticated as both.
			if err := gate.Check("ata_ci_verify", operatorAuth()); err != nil {
				return err
			}
			ctx := adminCtx()

			conn, err := nats.Connect("nats://" + cfg.NATS.HostPort)
			if err != nil {
				return fmt.Errorf("connect to busd NATS at %s: %w", cfg.NATS.HostPort, err)
			}
			defer conn.Close()
			js, err := jetstream.New(conn)
			if err != nil {
				return fmt.Errorf("create JetStream context: %w", err)
			}

			db, err := sqlstore.Open(ctx, cfg.SQLite.Path)
			if err != nil {
				return fmt.Errorf("open sqlite store: %w", err)
			}
			defer db.Close()

			q := queue.New(db.DB)
			taskIDs := taskid.NewManager(db.DB)
			publisher, err := events.NewPublisher(ctx, js, q)
			if err != nil {
				return fmt.Errorf("open event publisher: %w", err)
			}
			orch, err := orchestrator.New(ctx, js, publisher)
			if err != nil {
				return fmt.Errorf("open orchestrator: %w", err)
			}

			handler := verdict.NewHandler(taskIDs, orch, publisher)

			var v *bus.Verdict
			err = withAudit(cfg, "ata_ci_verify", "busctl", map[string]any{"file": args[0]}, func() error {
				var procErr error
				v, procErr = handler.ProcessVerdictFile(ctx, args[0])
				return procErr
			})
			if err != nil {
				return err
			}
			fmt.Printf("status=%s fail_codes=%v\n", v.Status, v.FailCodes)
			return nil
		},
	}
	return cmd
}
