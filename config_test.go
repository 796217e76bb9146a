package agentdb

import (
	"testing"

	"github.com/liliang-cn/agentdb/pkg/conflict"
	"github.com/liliang-cn/agentdb/pkg/scoring"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{ShardID: "s1"}.withDefaults()
	if cfg.Metric != scoring.Cosine {
		t.Fatalf("expected default metric Cosine, got %v", cfg.Metric)
	}
	if cfg.CacheCapacity != 1024 {
		t.Fatalf("expected default cache capacity 1024, got %d", cfg.CacheCapacity)
	}
	if cfg.NodeID != "s1" {
		t.Fatalf("expected NodeID to default to ShardID, got %q", cfg.NodeID)
	}
	if cfg.ConflictPolicy != conflict.LastWriteWins {
		t.Fatalf("expected default conflict policy last-write-wins, got %q", cfg.ConflictPolicy)
	}
	if cfg.Logger == nil {
		t.Fatalf("expected a non-nil default logger")
	}
}

func TestConfigResolveBackend(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want BackendChoice
	}{
		{"explicit memory", Config{Backend: BackendMemory}, BackendMemory},
		{"explicit sqlite", Config{Backend: BackendSQLite, Path: "x.db"}, BackendSQLite},
		{"auto with path", Config{Path: "x.db"}, BackendSQLite},
		{"auto without path", Config{}, BackendMemory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.resolveBackend(); got != tc.want {
				t.Fatalf("resolveBackend() = %v, want %v", got, tc.want)
			}
		})
	}
}
