package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// resolvePaths makes the configured directories absolute (relative
// entries resolve against the working directory) and creates them.
// DataDir is owner-only: it holds the installation secret and the
// sealed credential store.
func (c *Config) resolvePaths() error {
	var err error
	if c.Paths.DataDir, err = absolutize(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.WebDir, err = absolutize(c.Paths.WebDir); err != nil {
		return err
	}
	if c.Paths.LogsDir, err = absolutize(c.Paths.LogsDir); err != nil {
		return err
	}
	if c.Ledger.DatabasePath, err = absolutize(c.Ledger.DatabasePath); err != nil {
		return err
	}
	if c.Ledger.ExportDir, err = absolutize(c.Ledger.ExportDir); err != nil {
		return err
	}
	if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(c.Paths.LogsDir, filepath.Base(c.Logging.FilePath))
	}

	if err := os.MkdirAll(c.Paths.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(c.Paths.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	return nil
}

func absolutize(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}
