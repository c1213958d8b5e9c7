package settlement

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    confirmations: 3
    description: testnet
  mainnet:
    rpc_url: https://rpc.mainnet.example
    confirmations: 12
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sepolia, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatal("sepolia chain missing")
	}
	if sepolia.RPCURL != "https://rpc.sepolia.example" || sepolia.Confirmations != 3 {
		t.Fatalf("unexpected sepolia definition: %+v", sepolia)
	}
	if defs.Chains["mainnet"].Confirmations != 12 {
		t.Fatalf("unexpected mainnet definition: %+v", defs.Chains["mainnet"])
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map, got %+v", defs.Chains)
	}
}

func TestLoadChainDefinitionsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte("chains: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadChainDefinitions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
