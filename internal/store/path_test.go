package store_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/strata/internal/store"
)

func TestEncodeInstancePath(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		expected string
	}{
		{"simple", "my-app", "my-app"},
		{"with slash", "org/app", "org__app"},
		{"deep path", "a/b/c/d", "a__b__c__d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.EncodeInstancePath(tt.id)
			if got != tt.expected {
				t.Errorf("EncodeInstancePath(%q) = %q, want %q", tt.id, got, tt.expected)
			}
			if back := store.DecodeInstancePath(got); back != tt.id {
				t.Errorf("roundtrip failed: %q -> %q -> %q", tt.id, got, back)
			}
		})
	}
}

func TestDefaultDataRoot_HomeOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(store.HomeEnvVar, tmp)

	root := store.DefaultDataRoot()
	expected := filepath.Join(tmp, "instances")
	if root != expected {
		t.Errorf("DefaultDataRoot() = %q, want %q", root, expected)
	}
}

func TestDefaultDataRoot_UsesHomeDir(t *testing.T) {
	t.Setenv(store.HomeEnvVar, "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("cannot determine home directory: %v", err)
	}

	root := store.DefaultDataRoot()
	expected := filepath.Join(home, ".strata", "instances")
	if root != expected {
		t.Errorf("DefaultDataRoot() = %q, want %q", root, expected)
	}
}

func TestInstanceDBPath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(store.HomeEnvVar, tmp)

	got := store.InstanceDBPath("org/app")
	expected := filepath.Join(tmp, "instances", "org__app", "cache.db")
	if got != expected {
		t.Errorf("InstanceDBPath() = %q, want %q", got, expected)
	}
	if !strings.HasSuffix(store.InstanceDBPathIn("/x", "a"), store.DBFileName) {
		t.Errorf("InstanceDBPathIn should end with %s", store.DBFileName)
	}
}
