package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const validConfig = `
version: 1
node:
  id: alpha
  listen_addr: "127.0.0.1:9000"
  advertise_addr: "127.0.0.1:9000"
  log_level: debug
mesh:
  strategy: ring
  max_connections: 4
  gossip_interval: 30s
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Node.ID != "alpha" {
		t.Errorf("Node.ID = %q; want alpha", cfg.Node.ID)
	}
	if cfg.Mesh.Strategy != "ring" {
		t.Errorf("Mesh.Strategy = %q; want ring", cfg.Mesh.Strategy)
	}
	if cfg.Mesh.GossipInterval.Std() != 30*time.Second {
		t.Errorf("GossipInterval = %v; want 30s", cfg.Mesh.GossipInterval.Std())
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
version: 1
node:
  id: beta
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	def := DefaultMeshConfig()
	if cfg.Mesh.MaxConnections != def.MaxConnections {
		t.Errorf("MaxConnections = %d; want default %d", cfg.Mesh.MaxConnections, def.MaxConnections)
	}
	if cfg.Mesh.HealingAdvertiseWindow != def.HealingAdvertiseWindow {
		t.Errorf("HealingAdvertiseWindow = %v; want default %v", cfg.Mesh.HealingAdvertiseWindow, def.HealingAdvertiseWindow)
	}
	if cfg.Mesh.ChurnProbability != def.ChurnProbability {
		t.Errorf("ChurnProbability = %v; want default %v", cfg.Mesh.ChurnProbability, def.ChurnProbability)
	}
	if cfg.Mesh.FloodTTL != def.FloodTTL {
		t.Errorf("FloodTTL = %d; want default %d", cfg.Mesh.FloodTTL, def.FloodTTL)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing node id",
			content: `
version: 1
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`,
			wantErr: "node id is required",
		},
		{
			name: "bad version",
			content: `
version: 2
node:
  id: x
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`,
			wantErr: "unsupported config version",
		},
		{
			name: "unknown strategy",
			content: `
version: 1
node:
  id: x
mesh:
  strategy: spiral
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`,
			wantErr: "unknown strategy",
		},
		{
			name: "churn out of range",
			content: `
version: 1
node:
  id: x
mesh:
  churn_probability: 1.5
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`,
			wantErr: "churn_probability",
		},
		{
			name: "no etcd endpoints",
			content: `
version: 1
node:
  id: x
etcd:
  prefix: /gomesh
`,
			wantErr: "etcd endpoint",
		},
		{
			name: "bad duration",
			content: `
version: 1
node:
  id: x
mesh:
  gossip_interval: soon
etcd:
  endpoints: ["localhost:2379"]
  prefix: /gomesh
`,
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
