package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/gate"
	"github.com/c360studio/busd/internal/outbox"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
	"github.com/c360studio/busd/internal/sqlstore"
)

func newOutboxCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox review operations: ata_send_review equivalent",
	}
	cmd.AddCommand(newOutboxReviewCmd(configPath))
	return cmd
}

// connectOutbox opens a connection to the daemon's NATS server and the
// registry snapshot it shares, returning an Outbox ready for Review calls.
// busctl never runs its own embedded NATS server; it is an admin client to
// an already-running busd daemon.
func connectOutbox(configPath string) (*outbox.Outbox, func(), error) {
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
	closeFn := func() {
		_ = db.Close()
		conn.Close()
	}
	return ob, closeFn, nil
}

func newOutboxReviewCmd(configPath *string) *cobra.Command {
	var action, reason, reviewedBy string

	cmd := &cobra.Command{
		Use:   "review <request_id>",
		Short: "Approve or reject a pending outbox request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := gate.Check("ata_send_review", operatorAuth()); err != nil {
				return err
			}

			ob, closeFn, err := connectOutbox(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			var req *bus.OutboxRequest
			err = withAudit(cfg, "ata_send_review", "busctl",
				map[string]any{"request_id": args[0], "action": action, "reason": reason},
				func() error {
					var reviewErr error
					req, reviewErr = ob.Review(adminCtx(), args[0], outbox.Action(action), reason, reviewedBy)
					return reviewErr
				})
			if err != nil {
				return err
			}
			fmt.Printf("request %s -> status=%s", req.RequestID, req.Status)
			if req.RejectReason != "" {
				fmt.Printf(" reject_reason=%q", req.RejectReason)
			}
			if req.SendResult != nil {
				fmt.Printf(" msg_id=%s sha256=%s", req.SendResult.MsgID, req.SendResult.SHA256)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "approve", "approve|reject")
	cmd.Flags().StringVar(&reason, "reason", "", "reject_reason (reject only)")
	cmd.Flags().StringVar(&reviewedBy, "reviewed-by", "admin", "admin identity recorded on the request")
	return cmd
}
