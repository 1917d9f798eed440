package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tuplgo/tupl/internal/walog"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tupl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "data_dir: /tmp/tupl-test\n")
	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.PageSize != 4096 {
		t.Fatalf("PageSize = %d, want default 4096", opts.PageSize)
	}
	mode, err := opts.DurabilityMode()
	if err != nil || mode != walog.Sync {
		t.Fatalf("DurabilityMode = %v, %v; want Sync", mode, err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "data_dir: /tmp/tupl-test\npage_size: 8192\ndurability: noflush\n")
	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.PageSize != 8192 {
		t.Fatalf("PageSize = %d, want 8192", opts.PageSize)
	}
	mode, err := opts.DurabilityMode()
	if err != nil || mode != walog.NoFlush {
		t.Fatalf("DurabilityMode = %v, %v; want NoFlush", mode, err)
	}
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	path := writeFile(t, "page_size: 4096\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing data_dir")
	}
}

func TestLoadRejectsNonPowerOfTwoPageSize(t *testing.T) {
	path := writeFile(t, "data_dir: /tmp/tupl-test\npage_size: 4000\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-power-of-two page_size")
	}
}

func TestLoadRejectsUnknownDurability(t *testing.T) {
	path := writeFile(t, "data_dir: /tmp/tupl-test\ndurability: maybe\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown durability mode")
	}
}
