package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joao-brasil/connpool/internal/kind"
)

func writeTempConfig(t *testing.T, poolYAML, kindsYAML string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	poolPath := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(poolPath, []byte(poolYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	kindsPath := filepath.Join(dir, "kinds.yaml")
	if err := os.WriteFile(kindsPath, []byte(kindsYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	return poolPath, kindsPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	poolPath, kindsPath := writeTempConfig(t, `
pool:
  instance_id: test-instance
`, `
kinds:
  - id: primary
    host: rds-01
    port: 1433
    database: tenants
    max_weight: 10
`)

	cfg, err := Load(poolPath, kindsPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pool.QueueTimeout != 30*time.Second {
		t.Errorf("Pool.QueueTimeout = %s, want 30s default", cfg.Pool.QueueTimeout)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q, want default", cfg.Redis.Addr)
	}
	if len(cfg.Kinds) != 1 {
		t.Fatalf("len(Kinds) = %d, want 1", len(cfg.Kinds))
	}
	if cfg.Kinds[0].MaxWaiters != 10 {
		t.Errorf("Kinds[0].MaxWaiters = %d, want defaulted to MaxWeight (10)", cfg.Kinds[0].MaxWaiters)
	}
	if cfg.Kinds[0].MinIdle != 2 {
		t.Errorf("Kinds[0].MinIdle = %d, want default 2", cfg.Kinds[0].MinIdle)
	}
}

func TestLoadRejectsMissingKinds(t *testing.T) {
	poolPath, kindsPath := writeTempConfig(t, `pool: {}`, `kinds: []`)

	if _, err := Load(poolPath, kindsPath); err == nil {
		t.Fatal("expected an error when no kinds are configured")
	}
}

func TestLoadRejectsKindMissingRequiredField(t *testing.T) {
	poolPath, kindsPath := writeTempConfig(t, `pool: {}`, `
kinds:
  - id: primary
    host: rds-01
    port: 1433
`)

	if _, err := Load(poolPath, kindsPath); err == nil {
		t.Fatal("expected an error when a kind has no max_weight")
	}
}

func TestWeights(t *testing.T) {
	cfg := &Config{Kinds: []kind.Kind{{MaxWeight: 2}, {MaxWeight: 5}}}
	weights := cfg.Weights()
	if len(weights) != 2 || weights[0] != 2 || weights[1] != 5 {
		t.Errorf("Weights() = %v, want [2 5]", weights)
	}
}
