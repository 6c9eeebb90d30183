package cli

import (
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := newParser(c, "test")
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestParseTPMAndVMCommands(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"tpm", "start"},
		{"tpm", "setup"},
		{"tpm", "kill"},
		{"tpm", "destroy"},
		{"tpm", "status"},
		{"vm", "start"},
		{"vm", "status"},
		{"doctor", "--json"},
		{"config", "init", "--force"},
		{"image", "list"},
	} {
		c := &CLI{}
		kctx, err := newParserForTest(t, c).Parse(args)
		if err != nil {
			t.Fatalf("parse %q returned error: %v", args, err)
		}
		if got, want := kctx.Command(), strings.Join(args, " "); !strings.HasPrefix(want, got) {
			t.Fatalf("unexpected command for %q: got %q", args, got)
		}
	}
}

func TestParseVMKillGraceful(t *testing.T) {
	t.Parallel()

	c := &CLI{}
	if _, err := newParserForTest(t, c).Parse([]string{"vm", "kill", "--graceful"}); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if !c.VM.Kill.Graceful {
		t.Fatal("expected --graceful to be set")
	}
}

func TestParseImageDownloadFlags(t *testing.T) {
	t.Parallel()

	c := &CLI{}
	_, err := newParserForTest(t, c).Parse([]string{
		"image", "download",
		"--source", "http",
		"--url", "https://example.com/noble.img",
		"--sha256", "abc123",
		"-o", "disk.img",
		"--force",
	})
	if err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	got := c.Image.Download
	if got.Source != "http" || got.URL != "https://example.com/noble.img" || got.SHA256 != "abc123" || got.Output != "disk.img" || !got.Force {
		t.Fatalf("unexpected download flags: %+v", got)
	}
}

func TestParseImageCustomizeDefaultsImage(t *testing.T) {
	t.Parallel()

	c := &CLI{}
	if _, err := newParserForTest(t, c).Parse([]string{"image", "customize"}); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got := c.Image.Customize.Image; got != "" {
		t.Fatalf("expected empty image argument, got %q", got)
	}

	c = &CLI{}
	if _, err := newParserForTest(t, c).Parse([]string{"image", "customize", "noble.vhd", "--format", "vpc"}); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got, want := c.Image.Customize.Image, "noble.vhd"; got != want {
		t.Fatalf("unexpected image argument: got %q want %q", got, want)
	}
}

func TestParseImageRmRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := newParserForTest(t, &CLI{}).Parse([]string{"image", "rm"})
	if err == nil {
		t.Fatal("expected parse error for missing path")
	}
	if !strings.Contains(err.Error(), "<path>") {
		t.Fatalf("expected missing path parse error, got %v", err)
	}
}

func TestParseUnknownCommandFails(t *testing.T) {
	t.Parallel()

	if _, err := newParserForTest(t, &CLI{}).Parse([]string{"snapshot"}); err == nil {
		t.Fatal("expected parse error for unknown command")
	}
}

func TestParseDefaultLogLevel(t *testing.T) {
	t.Parallel()

	c := &CLI{}
	if _, err := newParserForTest(t, c).Parse([]string{"tpm", "status"}); err != nil {
		t.Fatalf("parse returned error: %v", err)
	}
	if got, want := c.LogLevel, "info"; got != want {
		t.Fatalf("unexpected log level: got %q want %q", got, want)
	}
}
