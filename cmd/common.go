// Package cmd implements the capscrub subcommands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/capscrub/internal/brand"
	"grimm.is/capscrub/internal/config"
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/logging"
)

// DefaultConfigPath is where mask/check look when -config is not given.
func DefaultConfigPath() string {
	return filepath.Join(brand.GetConfigDir(), brand.ConfigFileName)
}

// loadConfig reads the config file, or returns defaults when the default
// path simply does not exist. An explicitly named file must load.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.LoadFile(path)
}

// newLogger builds the process logger from the config's log section.
func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	logging.SetDefault(log)
	return log
}

// newDissector maps the config's dissector section to a backend.
func newDissector(cfg *config.Config, log *logging.Logger) dissect.Dissector {
	if cfg.Dissector.Type == config.DissectorTshark {
		return dissect.NewTshark(cfg.Dissector.Binary, cfg.DissectorTimeout(), log)
	}
	return dissect.NewBuiltin(log)
}

// outputPath derives the destination for one input file: the configured
// directory (or the input's own), with the suffix inserted before the
// extension. a.pcap becomes a.scrubbed.pcap.
func outputPath(input, dir, suffix string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext) + suffix + ext
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, name)
}
