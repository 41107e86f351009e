package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// Symbolizer fakes a debug-symbol tool by writing a <binary>.dSYM bundle
// holding a placeholder DWARF file.
type Symbolizer struct {
	Enabled bool

	mu    sync.Mutex
	calls []string
}

func (s *Symbolizer) Supported() bool { return s.Enabled }

func (s *Symbolizer) Symbolize(_ context.Context, binary string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, binary)
	s.mu.Unlock()
	bundle := binary + ".dSYM"
	dwarf := filepath.Join(bundle, "Contents", "Resources", "DWARF")
	if err := os.MkdirAll(dwarf, 0o755); err != nil {
		return "", err
	}
	return bundle, os.WriteFile(filepath.Join(dwarf, filepath.Base(binary)), []byte("dwarf"), 0o644)
}

// Calls returns the binaries Symbolize was asked for.
func (s *Symbolizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
