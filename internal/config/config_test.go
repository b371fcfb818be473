package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != filepath.Join("data", "hostagent.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.DelegationPolicy != "degrade" {
		t.Fatalf("unexpected policy %q", cfg.DelegationPolicy)
	}
	if cfg.PendingTTL != 30*time.Minute {
		t.Fatalf("unexpected pending ttl %v", cfg.PendingTTL)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostagent.yaml")
	yaml := `
http_addr: ":9090"
remote_agents:
  - http://writer.local:10000
  - http://critic.local:10001
delegation_policy: strict
pending_ttl: 10m
llm:
  model: gpt-4o
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if len(cfg.RemoteAgents) != 2 || cfg.RemoteAgents[0] != "http://writer.local:10000" {
		t.Fatalf("unexpected remote agents %v", cfg.RemoteAgents)
	}
	if cfg.DelegationPolicy != "strict" {
		t.Fatalf("unexpected policy %q", cfg.DelegationPolicy)
	}
	if cfg.PendingTTL != 10*time.Minute {
		t.Fatalf("unexpected pending ttl %v", cfg.PendingTTL)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected model %q", cfg.LLM.Model)
	}
	// Unset fields keep their defaults.
	if cfg.LLM.APIBase != "https://api.openai.com/v1" {
		t.Fatalf("unexpected api base %q", cfg.LLM.APIBase)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostagent.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOSTAGENT_HTTP_ADDR", ":7070")
	t.Setenv("HOSTAGENT_REMOTE_AGENTS", "http://a.local, http://b.local")
	t.Setenv("HOSTAGENT_PENDING_TTL", "90")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env override lost: %q", cfg.HTTPAddr)
	}
	if len(cfg.RemoteAgents) != 2 || cfg.RemoteAgents[1] != "http://b.local" {
		t.Fatalf("unexpected remote agents %v", cfg.RemoteAgents)
	}
	if cfg.PendingTTL != 90*time.Second {
		t.Fatalf("bare-number duration not in seconds: %v", cfg.PendingTTL)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	t.Setenv("HOSTAGENT_DELEGATION_POLICY", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid policy")
	}
}
