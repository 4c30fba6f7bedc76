// Package busconfig owns the top-level daemon configuration: YAML on disk
// with BUSD_*-prefixed environment overrides, merged over defaults so a
// partial config file only needs to name the fields it changes.
package busconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NATSConfig configures the embedded NATS/JetStream server.
type NATSConfig struct {
	StoreDir  string `yaml:"store_dir"`
	HostPort  string `yaml:"host_port"`
	HTTPPort  int    `yaml:"http_port"`
}

// SQLiteConfig configures the embedded relational store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the external ingress HTTP server.
type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	ExternalPushURL    string `yaml:"external_push_url"`
	TaskTypeWhitelist  string `yaml:"task_type_whitelist"` // "run_prompt_style" | "event_style" | "both"
}

// MailConfig configures the outbox's per-task mailbox file tree.
type MailConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig configures the append-only audit logger.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// RegistryConfig configures the agent registry's JSON snapshot file.
type RegistryConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// BoardConfig configures the board subscriber's JSON document path.
type BoardConfig struct {
	Path string `yaml:"path"`
}

// WorkflowConfig configures the workflow template store.
type WorkflowConfig struct {
	TemplatesFile string `yaml:"templates_file"`
	Watch         bool   `yaml:"watch"`
}

// Config is the daemon's top-level configuration document.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	HTTP     HTTPConfig     `yaml:"http"`
	Mail     MailConfig     `yaml:"mail"`
	Audit    AuditConfig    `yaml:"audit"`
	Registry RegistryConfig `yaml:"registry"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Board    BoardConfig    `yaml:"board"`
}

// DefaultConfig returns the configuration a freshly installed daemon runs
// with: everything rooted under ./data, no external push endpoint
// configured (the bridge subscriber logs-and-acks), both task-type
// whitelists enabled.
func DefaultConfig() Config {
	return Config{
		NATS:     NATSConfig{StoreDir: "./data/nats", HostPort: "127.0.0.1:4222", HTTPPort: 0},
		SQLite:   SQLiteConfig{Path: "./data/busd.sqlite"},
		HTTP:     HTTPConfig{Addr: ":8080", TaskTypeWhitelist: "both"},
		Mail:     MailConfig{Dir: "./data/mail"},
		Audit:    AuditConfig{Dir: "./data/audit"},
		Registry: RegistryConfig{SnapshotPath: "./data/registry.json"},
		Workflow: WorkflowConfig{TemplatesFile: "./data/workflow_templates.yaml", Watch: true},
		Board:    BoardConfig{Path: "./data/board.json"},
	}
}

// Validate rejects a Config missing required fields.
func (c Config) Validate() error {
	if c.NATS.StoreDir == "" {
		return fmt.Errorf("busconfig: nats.store_dir is required")
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("busconfig: sqlite.path is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("busconfig: http.addr is required")
	}
	switch c.HTTP.TaskTypeWhitelist {
	case "run_prompt_style", "event_style", "both", "":
	default:
		return fmt.Errorf("busconfig: http.task_type_whitelist must be one of run_prompt_style|event_style|both")
	}
	return nil
}

// Merge overrides non-zero fields of base with the corresponding non-zero
// fields of override, returning the result. Empty string/zero-value fields
// in override leave base's value untouched.
func Merge(base, override Config) Config {
	merged := base
	mergeString(&merged.NATS.StoreDir, override.NATS.StoreDir)
	mergeString(&merged.NATS.HostPort, override.NATS.HostPort)
	if override.NATS.HTTPPort != 0 {
		merged.NATS.HTTPPort = override.NATS.HTTPPort
	}
	mergeString(&merged.SQLite.Path, override.SQLite.Path)
	mergeString(&merged.HTTP.Addr, override.HTTP.Addr)
	mergeString(&merged.HTTP.ExternalPushURL, override.HTTP.ExternalPushURL)
	mergeString(&merged.HTTP.TaskTypeWhitelist, override.HTTP.TaskTypeWhitelist)
	mergeString(&merged.Mail.Dir, override.Mail.Dir)
	mergeString(&merged.Audit.Dir, override.Audit.Dir)
	mergeString(&merged.Registry.SnapshotPath, override.Registry.SnapshotPath)
	mergeString(&merged.Workflow.TemplatesFile, override.Workflow.TemplatesFile)
	if override.Workflow.Watch {
		merged.Workflow.Watch = true
	}
	mergeString(&merged.Board.Path, override.Board.Path)
	return merged
}

func mergeString(dst *string, override string) {
	if override != "" {
		*dst = override
	}
}

// LoadFromFile reads a YAML config document from path, merged over
// DefaultConfig so a partial file only needs to name the fields it changes.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return Merge(DefaultConfig(), override), nil
}

// SaveToFile writes c as YAML to path.
func SaveToFile(c Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides c's fields from BUSD_*-prefixed environment variables,
// following tools/register.go's SEMSPEC_REPO_PATH-style convention renamed
// to this project.
func ApplyEnv(c Config) Config {
	if v := os.Getenv("BUSD_NATS_STORE_DIR"); v != "" {
		c.NATS.StoreDir = v
	}
	if v := os.Getenv("BUSD_NATS_HOST_PORT"); v != "" {
		c.NATS.HostPort = v
	}
	if v := os.Getenv("BUSD_SQLITE_PATH"); v != "" {
		c.SQLite.Path = v
	}
	if v := os.Getenv("BUSD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("BUSD_HTTP_EXTERNAL_PUSH_URL"); v != "" {
		c.HTTP.ExternalPushURL = v
	}
	if v := os.Getenv("BUSD_HTTP_TASK_TYPE_WHITELIST"); v != "" {
		c.HTTP.TaskTypeWhitelist = v
	}
	if v := os.Getenv("BUSD_MAIL_DIR"); v != "" {
		c.Mail.Dir = v
	}
	if v := os.Getenv("BUSD_AUDIT_DIR"); v != "" {
		c.Audit.Dir = v
	}
	if v := os.Getenv("BUSD_REGISTRY_SNAPSHOT_PATH"); v != "" {
		c.Registry.SnapshotPath = v
	}
	if v := os.Getenv("BUSD_WORKFLOW_TEMPLATES_FILE"); v != "" {
		c.Workflow.TemplatesFile = v
	}
	if v := os.Getenv("BUSD_WORKFLOW_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Workflow.Watch = b
		}
	}
	if v := os.Getenv("BUSD_BOARD_PATH"); v != "" {
		c.Board.Path = v
	}
	return c
}

// whitelistMode returns the configured task-type whitelist mode, lowercased,
// defaulting to "both" when unset.
func (c Config) whitelistMode() string {
	mode := strings.ToLower(c.HTTP.TaskTypeWhitelist)
	if mode == "" {
		return "both"
	}
	return mode
}

// WhitelistMode exposes the resolved mode for cmd/busd wiring.
func (c Config) WhitelistMode() string { return c.whitelistMode() }
