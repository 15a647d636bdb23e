package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultTemplateParsesAndValidates(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Supervisor.ID != "supervisor" {
		t.Fatalf("supervisor id = %q", cfg.Supervisor.ID)
	}
	if cfg.Heartbeat.Interval.Std() != 5*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Heartbeat.Interval.Std())
	}
	if len(cfg.Approvals.GatedTransitions) != 1 || cfg.Approvals.GatedTransitions[0] != "resolved" {
		t.Fatalf("gated transitions = %v", cfg.Approvals.GatedTransitions)
	}
	if cfg.SLA.StaleAfter.High.Std() != 5*time.Minute || cfg.SLA.StaleAfter.Low.Std() != 30*time.Minute {
		t.Fatalf("sla budgets = %+v", cfg.SLA.StaleAfter)
	}
}

func TestSLAStaleAfterForPriority(t *testing.T) {
	s := SLAStaleAfter{
		High:   Duration(time.Minute),
		Normal: Duration(5 * time.Minute),
		Low:    Duration(time.Hour),
	}
	if s.ForPriority("high").Std() != time.Minute {
		t.Fatalf("high = %v", s.ForPriority("high").Std())
	}
	if s.ForPriority("low").Std() != time.Hour {
		t.Fatalf("low = %v", s.ForPriority("low").Std())
	}
	// Anything unrecognised gets the normal budget.
	if s.ForPriority("urgent-ish").Std() != 5*time.Minute {
		t.Fatalf("fallback = %v", s.ForPriority("urgent-ish").Std())
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("parsed = %v, want 90s", d.Std())
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Fatalf("marshaled = %q", strings.TrimSpace(string(out)))
	}

	if err := yaml.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
		want  string
	}{
		{"missing supervisor", func(c *Config) { c.Supervisor.ID = "" }, "supervisor.id"},
		{"heartbeat timeout too small", func(c *Config) { c.Heartbeat.Timeout = c.Heartbeat.Interval }, "timeout must exceed"},
		{"negative max moves", func(c *Config) { c.Load.MaxMoves = -1 }, "max_moves"},
		{"confidence out of range", func(c *Config) { c.Worker.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"zero buffer", func(c *Config) { c.Mailbox.BufferSize = 0 }, "buffer_size"},
		{"zero high sla budget", func(c *Config) { c.SLA.StaleAfter.High = 0 }, "stale_after.high"},
		{"zero low sla budget", func(c *Config) { c.SLA.StaleAfter.Low = 0 }, "stale_after.low"},
		{"rule without id", func(c *Config) {
			c.Compliance.Rules = []ComplianceRule{{Effect: "deny"}}
		}, "has no id"},
		{"rule with bad effect", func(c *Config) {
			c.Compliance.Rules = []ComplianceRule{{ID: "r1", Effect: "maybe"}}
		}, "want allow or deny"},
		{"webhook without url", func(c *Config) {
			c.Webhooks = []WebhookConfig{{Events: []string{"case.created"}}}
		}, "has no url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.tweak(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := LoadOptional(workspace)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Supervisor.ID != "supervisor" {
		t.Fatalf("expected defaults, got supervisor id %q", cfg.Supervisor.ID)
	}

	custom := strings.Replace(GenerateDefault(), "id: supervisor", "id: overseer", 1)
	if err := os.WriteFile(Path(workspace), []byte(custom), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadOptional(workspace)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Supervisor.ID != "overseer" {
		t.Fatalf("supervisor id = %q, want overseer", cfg.Supervisor.ID)
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "cl init") {
		t.Fatalf("err = %v, want hint to run cl init", err)
	}
}

func TestPathDefaultsToCurrentDir(t *testing.T) {
	if got := Path(""); got != filepath.Join(".", "caseline.yml") {
		t.Fatalf("path = %q", got)
	}
	if got := Path("/ws"); got != filepath.Join("/ws", "caseline.yml") {
		t.Fatalf("path = %q", got)
	}
}
