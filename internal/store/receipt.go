package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// ReceiptFile is written into every store entry; its presence marks the
// entry complete.
const ReceiptFile = "INSTALL_RECEIPT.yaml"

// Receipt records how a store entry was produced.
type Receipt struct {
	Name      string `yaml:"name"`
	VersionID string `yaml:"version_id"`
	// Version is the declared formula version.
	Version  string   `yaml:"version"`
	Kind     string   `yaml:"kind"`
	Options  []string `yaml:"options,omitempty"`
	Revision string   `yaml:"revision,omitempty"`
	URL      string   `yaml:"url,omitempty"`
	SHA256   string   `yaml:"sha256,omitempty"`
	KegOnly  bool     `yaml:"keg_only"`
	Linked   bool     `yaml:"linked"`
	// InstalledOnRequest is false for entries pulled in as dependencies.
	InstalledOnRequest bool      `yaml:"installed_on_request"`
	Dependencies       []string  `yaml:"dependencies,omitempty"`
	Platform           string    `yaml:"platform"`
	Time               time.Time `yaml:"time"`
}

func readReceipt(dir string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReceiptFile))
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ReceiptFile, err)
	}
	return &r, nil
}

// writeReceipt replaces the receipt in dir atomically.
func writeReceipt(dir string, r *Receipt) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, ReceiptFile), data, 0o644)
}
