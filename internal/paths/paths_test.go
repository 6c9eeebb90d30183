package paths

import (
	"path/filepath"
	"testing"
)

func TestXDGOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(root, "state"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "cache"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))

	cases := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"metadata db", ImageMetadataDBPath, filepath.Join(root, "state", "cvm-tools", "images", "metadata.db")},
		{"vm run dir", VMRunDir, filepath.Join(root, "state", "cvm-tools", "vms")},
		{"seed dir", SeedDir, filepath.Join(root, "cache", "cvm-tools", "seed")},
		{"config dir", ConfigDir, filepath.Join(root, "config", "cvm-tools")},
	}
	for _, tc := range cases {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("%s returned error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestHomeFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("XDG_CACHE_HOME", " ")

	state, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "cvm-tools"); state != want {
		t.Fatalf("unexpected state dir: got %q want %q", state, want)
	}
	cache, err := CacheBaseDir()
	if err != nil {
		t.Fatalf("CacheBaseDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".cache", "cvm-tools"); cache != want {
		t.Fatalf("unexpected cache dir: got %q want %q", cache, want)
	}
}
