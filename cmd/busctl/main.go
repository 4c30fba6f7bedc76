// Command busctl is the operator CLI for the bus daemon: agent
// registration/approval, outbox review, task inspection, and manual
// verdict processing, for operators who need to drive the admin-gated
// tools without a running ingress session.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/busd/internal/audit"
	"github.com/c360studio/busd/internal/busconfig"
	"github.com/c360studio/busd/internal/gate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "busctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "busctl",
		Short: "Operator CLI for the busd agent collaboration bus",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to busd config file")

	root.AddCommand(newAgentCmd(&configPath))
	root.AddCommand(newOutboxCmd(&configPath))
	root.AddCommand(newTaskCmd(&configPath))
	root.AddCommand(newVerdictCmd(&configPath))
	root.AddCommand(newWorkflowCmd(&configPath))
	return root
}

func loadConfig(path string) (busconfig.Config, error) {
	cfg := busconfig.DefaultConfig()
	if path == "" {
		return busconfig.ApplyEnv(cfg), nil
	}
	loaded, err := busconfig.LoadFromFile(path)
	if err != nil {
		return busconfig.Config{}, fmt.Errorf("load config: %w", err)
	}
	return busconfig.ApplyEnv(loaded), nil
}

// adminCtx is the base context every busctl invocation runs under.
func adminCtx() context.Context {
	return context.Background()
}

// operatorAuth is the gate.AuthContext every busctl command runs under: an
// authenticated operator with both admin and system-user privilege, since
// busctl exists specifically to drive the admin- and system-gated tools an
// operator invokes by hand.
func operatorAuth() gate.AuthContext {
	return gate.AuthContext{IsAdmin: true, IsSystemUser: true, CallerID: "busctl"}
}

// withAudit runs fn, then records the call to the audit log rooted at
// cfg.Audit.Dir: time the call, run it, record the outcome. Recording
// failures are logged to stderr rather than overriding fn's own result.
func withAudit(cfg busconfig.Config, tool, caller string, params map[string]any, fn func() error) error {
	start := time.Now()
	err := fn()
	al := audit.New(cfg.Audit.Dir)
	if recErr := al.Record(tool, caller, "busctl", "admin", "", params, err == nil, err, time.Since(start)); recErr != nil {
		fmt.Fprintf(os.Stderr, "busctl: audit record failed: %v\n", recErr)
	}
	return err
}
