package qalloc

import (
	"path/filepath"
	"testing"
)

func TestCreateAndLoadMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.qa")
	cfg := DefaultConfig()
	cfg.StreamCount = 4

	m, err := createMapping(path, 1<<20, 64, cfg)
	if err != nil {
		t.Fatalf("createMapping: %v", err)
	}
	base := m.Base()
	if m.StreamCount() != 4 {
		t.Fatalf("StreamCount() = %d, want 4", m.StreamCount())
	}
	if got := m.Cleanup(); got != Success {
		t.Fatalf("Cleanup() = %v", got)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, err := LoadMap(path, nil)
	if err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	defer func() {
		loaded.Cleanup()
		loaded.Close()
	}()
	if loaded.Base() != base {
		t.Fatalf("loaded base = 0x%x, want 0x%x", loaded.Base(), base)
	}
	if loaded.StreamCount() != 4 {
		t.Fatalf("loaded StreamCount() = %d, want 4", loaded.StreamCount())
	}
}

func TestLoadMapRejectsUninitializedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.qa")
	f, err := createFile(path, 4096)
	if err != nil {
		t.Fatalf("createFile: %v", err)
	}
	f.Close()

	if _, err := LoadMap(path, nil); err == nil {
		t.Fatalf("LoadMap on a file with no valid header should fail")
	}
}

func TestCreateMappingRejectsUndersizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.qa")
	if _, err := createMapping(path, 4, 8, DefaultConfig()); err == nil {
		t.Fatalf("createMapping with size smaller than the header should fail")
	}
}
