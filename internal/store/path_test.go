package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/tally/internal/store"
)

func TestValidateStoreID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"default", true},
		{"acme", true},
		{"shop_2", true},
		{"east-branch", true},
		{"", false},
		{"Acme", false},
		{"-leading", false},
		{"has space", false},
		{"org/team", false},
		{strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := store.ValidateStoreID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("ValidateStoreID(%q) = %v, want nil", tt.id, err)
			}
			if !tt.valid && !errors.Is(err, store.ErrInvalidStoreID) {
				t.Errorf("ValidateStoreID(%q) = %v, want ErrInvalidStoreID", tt.id, err)
			}
		})
	}
}

func TestStoreDBPath_UsesTallyHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALLY_HOME", home)

	got := store.StoreDBPath("acme")
	want := filepath.Join(home, "stores", "acme", store.DBFileName)
	if got != want {
		t.Errorf("StoreDBPath = %q, want %q", got, want)
	}
}

func TestDefaultStoreRoot_HomeFallback(t *testing.T) {
	t.Setenv("TALLY_HOME", "")

	root := store.DefaultStoreRoot()
	if !strings.HasSuffix(root, filepath.Join(".tally", "stores")) {
		t.Errorf("DefaultStoreRoot = %q, want suffix .tally/stores", root)
	}
}

func TestResolveStore(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		t.Setenv("TALLY_STORE", "from-env")
		got, err := store.ResolveStore("explicit")
		if err != nil || got != "explicit" {
			t.Errorf("ResolveStore = %q, %v; want explicit", got, err)
		}
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("TALLY_STORE", "from-env")
		got, err := store.ResolveStore("")
		if err != nil || got != "from-env" {
			t.Errorf("ResolveStore = %q, %v; want from-env", got, err)
		}
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("TALLY_STORE", "")
		got, err := store.ResolveStore("")
		if err != nil || got != "default" {
			t.Errorf("ResolveStore = %q, %v; want default", got, err)
		}
	})

	t.Run("invalid env", func(t *testing.T) {
		t.Setenv("TALLY_STORE", "Not Valid")
		if _, err := store.ResolveStore(""); err == nil {
			t.Error("ResolveStore returned nil error for invalid env")
		}
	})
}

func TestListStores(t *testing.T) {
	root := t.TempDir()

	for _, id := range []string{"beta", "alpha"} {
		dir := filepath.Join(root, id)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, store.DBFileName), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Directory without a database is ignored.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	ids, err := store.ListStores(root)
	if err != nil {
		t.Fatalf("ListStores: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("ListStores = %v, want [alpha beta]", ids)
	}

	missing, err := store.ListStores(filepath.Join(root, "nope"))
	if err != nil || len(missing) != 0 {
		t.Errorf("ListStores(missing) = %v, %v; want empty, nil", missing, err)
	}
}
