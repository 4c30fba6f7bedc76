// Package workflowengine implements the workflow engine: a template store
// of named multi-role DAGs, and execution of those DAGs by turning each
// ready step into an outbox send-request. Instances persist as JetStream KV
// documents; the template store loads from YAML and hot-reloads on file
// change.
package workflowengine

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RetryPolicy is a step or template-level retry policy.
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffSec  int `yaml:"backoff_seconds"`
}

// StepTemplate is one step in a workflow template.
type StepTemplate struct {
	StepID               string         `yaml:"step_id"`
	Role                 string         `yaml:"role"`
	Action               string         `yaml:"action"`
	Inputs               map[string]any `yaml:"inputs,omitempty"`
	Outputs              []string       `yaml:"outputs,omitempty"`
	DependsOn            []string       `yaml:"depends_on,omitempty"`
	TimeoutSec           int            `yaml:"timeout_seconds,omitempty"`
	RetryPolicy          *RetryPolicy   `yaml:"retry_policy,omitempty"`
	RequiresAuditTriplet bool           `yaml:"requires_audit_triplet,omitempty"`
	ATATaskcodePrefix    string         `yaml:"ata_taskcode_prefix,omitempty"`
	ParallelGroup        string         `yaml:"parallel_group,omitempty"`
	ATAMessageKind       string         `yaml:"ata_message_kind,omitempty"`
}

// Template is a named, reusable multi-role DAG.
type Template struct {
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	Steps              []StepTemplate `yaml:"steps"`
	DefaultTimeoutSec  int            `yaml:"default_timeout"`
	DefaultRetryPolicy *RetryPolicy   `yaml:"default_retry_policy,omitempty"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// DefaultTemplates is the built-in seed set: quant_research_to_code,
// multi_agent_collaboration, parallel_exploration, and quality_assurance.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:              "quant_research_to_code",
			Description:       "research a strategy idea through to a reviewed implementation",
			DefaultTimeoutSec: 3 * 3600,
			Steps: []StepTemplate{
				{StepID: "research", Role: "researcher", Action: "research", Outputs: []string{"findings"}},
				{StepID: "implement", Role: "implementer", Action: "implement", DependsOn: []string{"research"},
					Inputs: map[string]any{"findings": "${research.findings}"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "QR2C"},
				{StepID: "review", Role: "reviewer", Action: "review", DependsOn: []string{"implement"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "QR2C"},
			},
		},
		{
			Name:              "multi_agent_collaboration",
			Description:       "architect -> implementer -> reviewer -> tester, each audited",
			DefaultTimeoutSec: 4 * 3600,
			Steps: []StepTemplate{
				{StepID: "architect", Role: "architect", Action: "design", Outputs: []string{"design"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "MAC"},
				{StepID: "implementer", Role: "implementer", Action: "implement", DependsOn: []string{"architect"},
					Inputs: map[string]any{"design": "${architect.design}"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "MAC"},
				{StepID: "reviewer", Role: "reviewer", Action: "review", DependsOn: []string{"implementer"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "MAC"},
				{StepID: "tester", Role: "tester", Action: "test", DependsOn: []string{"reviewer"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "MAC"},
			},
		},
		{
			Name:              "parallel_exploration",
			Description:       "three architects explore independently, then aggregate",
			DefaultTimeoutSec: 2 * 3600,
			Steps: []StepTemplate{
				{StepID: "architect_a", Role: "architect", Action: "explore", ParallelGroup: "explore", Outputs: []string{"proposal"}},
				{StepID: "architect_b", Role: "architect", Action: "explore", ParallelGroup: "explore", Outputs: []string{"proposal"}},
				{StepID: "architect_c", Role: "architect", Action: "explore", ParallelGroup: "explore", Outputs: []string{"proposal"}},
				{StepID: "aggregate", Role: "architect", Action: "aggregate",
					DependsOn: []string{"architect_a", "architect_b", "architect_c"}},
			},
		},
		{
			Name:              "quality_assurance",
			Description:       "code_review -> test_execution -> ci_gate_check, all audited",
			DefaultTimeoutSec: 2 * 3600,
			Steps: []StepTemplate{
				{StepID: "code_review", Role: "reviewer", Action: "review", RequiresAuditTriplet: true, ATATaskcodePrefix: "QA"},
				{StepID: "test_execution", Role: "tester", Action: "test", DependsOn: []string{"code_review"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "QA"},
				{StepID: "ci_gate_check", Role: "quant_dev_infra", Action: "verify", DependsOn: []string{"test_execution"}, RequiresAuditTriplet: true, ATATaskcodePrefix: "QA"},
			},
		},
	}
}

// ErrNotFound is returned when a named template is not in the store.
var ErrNotFound = fmt.Errorf("workflowengine: template not found")

// TemplateStore holds named templates, seeded from DefaultTemplates and
// optionally hot-reloaded from a YAML file on disk.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]Template
	watcher   *fsnotify.Watcher
}

// NewTemplateStore constructs a store seeded with DefaultTemplates.
func NewTemplateStore() *TemplateStore {
	s := &TemplateStore{templates: map[string]Template{}}
	for _, t := range DefaultTemplates() {
		s.templates[t.Name] = t
	}
	return s
}

// LoadFile merges templates from a workflow_templates.yaml file into the
// store, overriding any built-in template of the same name.
func (s *TemplateStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow templates: %w", err)
	}
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parse workflow templates: %w", err)
	}

	s.mu.Lock()
	for _, t := range tf.Templates {
		s.templates[t.Name] = t
	}
	s.mu.Unlock()
	return nil
}

// WatchFile hot-reloads the template file on every write, logging reload
// errors to errCh rather than crashing the watcher loop. Call Close to stop
// watching.
func (s *TemplateStore) WatchFile(path string, errCh chan<- error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch template file: %w", err)
	}
	s.watcher = w

	go func() {
		for event := range w.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.LoadFile(path); err != nil && errCh != nil {
					errCh <- err
				}
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if one is running.
func (s *TemplateStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Get returns a copy of the named template.
func (s *TemplateStore) Get(name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}
