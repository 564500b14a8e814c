// Package config defines the capscrub configuration schema and its
// loaders. Configs are written in HCL, JSON, or YAML; all three decode
// into the same Config value and pass through the same validation.
package config

import (
	"time"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/rules"
)

// Dissector backend names.
const (
	DissectorBuiltin = "builtin"
	DissectorTshark  = "tshark"
)

// Fallback policies for when the external dissector is unavailable.
const (
	FallbackPreserve = "preserve"
	FallbackFail     = "fail"
)

// Config is the top-level capscrub configuration.
type Config struct {
	Workers       int    `hcl:"workers,optional" json:"workers,omitempty" yaml:"workers"`
	HistoryDB     string `hcl:"history_db,optional" json:"history_db,omitempty" yaml:"history_db"`
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty" yaml:"metrics_listen"`

	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty" yaml:"log"`
	Dissector *DissectorConfig `hcl:"dissector,block" json:"dissector,omitempty" yaml:"dissector"`
	Policy    *PolicyConfig    `hcl:"policy,block" json:"policy,omitempty" yaml:"policy"`
	Masking   *MaskingConfig   `hcl:"masking,block" json:"masking,omitempty" yaml:"masking"`
	Output    *OutputConfig    `hcl:"output,block" json:"output,omitempty" yaml:"output"`
}

// LogConfig controls log verbosity and encoding.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json"`
}

// DissectorConfig selects and tunes the dissection backend.
type DissectorConfig struct {
	Type     string `hcl:"type,optional" json:"type,omitempty" yaml:"type"`
	Binary   string `hcl:"binary,optional" json:"binary,omitempty" yaml:"binary"`
	Timeout  string `hcl:"timeout,optional" json:"timeout,omitempty" yaml:"timeout"`
	Fallback string `hcl:"fallback,optional" json:"fallback,omitempty" yaml:"fallback"`
}

// ContentPolicy is the per-content-type preservation choice.
type ContentPolicy struct {
	Type        string `hcl:"type,label" json:"type" yaml:"type"`
	Mode        string `hcl:"mode" json:"mode" yaml:"mode"`
	HeaderBytes int    `hcl:"header_bytes,optional" json:"header_bytes,omitempty" yaml:"header_bytes"`
}

// PolicyConfig maps TLS content types to preservation actions.
type PolicyConfig struct {
	NonTLS  string          `hcl:"non_tls,optional" json:"non_tls,omitempty" yaml:"non_tls"`
	Content []ContentPolicy `hcl:"content,block" json:"content,omitempty" yaml:"content"`
}

// MaskingConfig tunes the rewrite pass.
type MaskingConfig struct {
	ChunkSize       int  `hcl:"chunk_size,optional" json:"chunk_size,omitempty" yaml:"chunk_size"`
	VerifyChecksums bool `hcl:"verify_checksums,optional" json:"verify_checksums,omitempty" yaml:"verify_checksums"`
}

// OutputConfig controls where sanitized files land.
type OutputConfig struct {
	Dir    string `hcl:"dir,optional" json:"dir,omitempty" yaml:"dir"`
	Suffix string `hcl:"suffix,optional" json:"suffix,omitempty" yaml:"suffix"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workers: 1,
		Log:     &LogConfig{Level: "info"},
		Dissector: &DissectorConfig{
			Type:     DissectorBuiltin,
			Binary:   "tshark",
			Timeout:  "5m",
			Fallback: FallbackPreserve,
		},
		Policy:  &PolicyConfig{NonTLS: string(rules.NonTLSKeepAll)},
		Masking: &MaskingConfig{ChunkSize: 1000, VerifyChecksums: true},
		Output:  &OutputConfig{Suffix: ".scrubbed"},
	}
}

// applyDefaults fills gaps left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Log == nil {
		c.Log = d.Log
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Dissector == nil {
		c.Dissector = d.Dissector
	}
	if c.Dissector.Type == "" {
		c.Dissector.Type = d.Dissector.Type
	}
	if c.Dissector.Binary == "" {
		c.Dissector.Binary = d.Dissector.Binary
	}
	if c.Dissector.Timeout == "" {
		c.Dissector.Timeout = d.Dissector.Timeout
	}
	if c.Dissector.Fallback == "" {
		c.Dissector.Fallback = d.Dissector.Fallback
	}
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	if c.Policy.NonTLS == "" {
		c.Policy.NonTLS = d.Policy.NonTLS
	}
	if c.Masking == nil {
		c.Masking = d.Masking
	}
	if c.Masking.ChunkSize <= 0 {
		c.Masking.ChunkSize = d.Masking.ChunkSize
	}
	if c.Output == nil {
		c.Output = d.Output
	}
	if c.Output.Suffix == "" {
		c.Output.Suffix = d.Output.Suffix
	}
}

// DissectorTimeout parses the configured timeout. Validation guarantees
// the string is parseable by the time this is called.
func (c *Config) DissectorTimeout() time.Duration {
	dur, err := time.ParseDuration(c.Dissector.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return dur
}

// RulePolicy converts the config's policy section to the engine's form.
// Content types not named in the config keep their defaults.
func (c *Config) RulePolicy() rules.Policy {
	p := rules.DefaultPolicy()
	p.NonTLS = rules.NonTLSMode(c.Policy.NonTLS)
	for _, cp := range c.Policy.Content {
		ct, ok := contentTypeByName(cp.Type)
		if !ok {
			continue
		}
		a := rules.Action{Mode: rules.Mode(cp.Mode), HeaderBytes: cp.HeaderBytes}
		if a.Mode == rules.KeepHeaderOnly && a.HeaderBytes <= 0 {
			a.HeaderBytes = dissect.HeaderLen
		}
		p.Content[ct] = a
	}
	return p
}

func contentTypeByName(name string) (dissect.ContentType, bool) {
	for ct := dissect.ContentChangeCipherSpec; ct <= dissect.ContentHeartbeat; ct++ {
		if ct.String() == name {
			return ct, true
		}
	}
	return 0, false
}
