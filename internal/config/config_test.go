package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpay.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("default address not applied: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("default drivers not applied: %s/%s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Settlement.Mode != "fastpath" || cfg.Settlement.FreshnessSeconds != 120 {
		t.Fatalf("default settlement not applied: %+v", cfg.Settlement)
	}
	if cfg.Session.DefaultAllowance != 5_000_000 || cfg.Session.AgentMaxPerHour != 60 {
		t.Fatalf("default session limits not applied: %+v", cfg.Session)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("data dir not anchored to config dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "server": {"address": ":9000"},
  "storage": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/agentpay"},
  "settlement_queue": {"driver": "redis", "workers": 8, "redis": {"address": "localhost:6379"}},
  "settlement": {"mode": "full", "chain": "sepolia", "confirmations": 3},
  "session": {"default_allowance": 777},
  "runtime": {"data_dir": "/var/lib/agentpay"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("address override lost: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 8 {
		t.Fatalf("driver overrides lost: %+v %+v", cfg.Storage, cfg.Queue)
	}
	if cfg.Settlement.Mode != "full" || cfg.Settlement.Chain != "sepolia" || cfg.Settlement.Confirmations != 3 {
		t.Fatalf("settlement overrides lost: %+v", cfg.Settlement)
	}
	if cfg.Session.DefaultAllowance != 777 {
		t.Fatalf("session override lost: %d", cfg.Session.DefaultAllowance)
	}
	if cfg.Runtime.DataDir != "/var/lib/agentpay" {
		t.Fatalf("absolute data dir rewritten: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := writeConfig(t, `{broken`)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed json accepted")
	}
}
