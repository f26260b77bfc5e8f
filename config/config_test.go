package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/patchpoint/journal"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[cache]
base = 0x20000000
size = 65536
mmap = false

[patcher]
verify-writes = false

[journal]
backend = "sqlite"
path = "patches.db"
capacity = 16

[log]
verbosity = 2
file = "patchpoint.log"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.Cache.Base != 0x20000000 {
		t.Errorf("cache base = %#x, want 0x20000000", c.Cache.Base)
	}
	if c.Cache.Size != 65536 {
		t.Errorf("cache size = %d, want 65536", c.Cache.Size)
	}
	if c.Cache.Mmap {
		t.Error("cache mmap = true, want false")
	}
	if c.Patcher.VerifyWrites {
		t.Error("patcher verify-writes = true, want false")
	}
	if c.Journal.Backend != journal.BackendSQLite {
		t.Errorf("journal backend = %q, want sqlite", c.Journal.Backend)
	}
	if want := filepath.Join(c.Dir, "patches.db"); c.JournalPath() != want {
		t.Errorf("journal path = %q, want %q", c.JournalPath(), want)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", c.Log.Verbosity)
	}
	if f := c.LogFile(); f == nil || *f != filepath.Join(c.Dir, "patchpoint.log") {
		t.Errorf("log file = %v", f)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[journal]
capacity = 8
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	want.Journal.Capacity = 8
	want.Dir = c.Dir
	if *c != *want {
		t.Errorf("config = %+v, want %+v", *c, *want)
	}
	if c.LogFile() != nil {
		t.Errorf("log file = %q, want stderr", *c.LogFile())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[cache\n", "parse error"},
		{"size", "[cache]\nsize = 0\n", "cache.size"},
		{"base", "[cache]\nbase = 0x1004\n", "cache.base"},
		{"backend", "[journal]\nbackend = \"kafka\"\n", "unknown journal.backend"},
		{"path", "[journal]\nbackend = \"cbor\"\n", "journal.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without a config succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[log]\nverbosity = 3\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil || c.Log.Verbosity != 3 {
		t.Fatalf("config = %+v, want verbosity 3", c)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c != nil {
		t.Skip("a patchpoint.toml exists above the temp directory")
	}
}

func TestOpenFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[cache]
size = 4096
mmap = false

[journal]
backend = "cbor"
path = "journal.cbor"
`)
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	region, err := c.OpenRegion()
	if err != nil {
		t.Fatalf("OpenRegion: %v", err)
	}
	defer region.Close()
	if region.Base() != uintptr(c.Cache.Base) || region.Size() != 4096 {
		t.Errorf("region = %#x+%d", region.Base(), region.Size())
	}

	sink, err := c.OpenJournal()
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "journal.cbor")); err != nil {
		t.Errorf("journal file not created: %v", err)
	}
	if p := c.NewPatcher(journal.Discard); !p.VerifyWrites {
		t.Error("patcher VerifyWrites = false, want default true")
	}
}
