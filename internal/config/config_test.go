package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/rules"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHCL(t *testing.T) {
	path := writeConfig(t, "capscrub.hcl", `
workers = 4
metrics_listen = ":9090"

log {
  level = "debug"
}

dissector {
  type    = "tshark"
  binary  = "/usr/bin/tshark"
  timeout = "2m"
  fallback = "fail"
}

policy {
  non_tls = "mask_all"

  content "application_data" {
    mode         = "header_only"
    header_bytes = 5
  }
  content "handshake" {
    mode = "keep_all"
  }
}

masking {
  chunk_size       = 500
  verify_checksums = true
}

output {
  dir    = "/tmp/scrubbed"
  suffix = ".clean"
}
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, ":9090", cfg.MetricsListen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DissectorTshark, cfg.Dissector.Type)
	assert.Equal(t, 2*time.Minute, cfg.DissectorTimeout())
	assert.Equal(t, FallbackFail, cfg.Dissector.Fallback)
	assert.Equal(t, 500, cfg.Masking.ChunkSize)
	assert.Equal(t, "/tmp/scrubbed", cfg.Output.Dir)
	assert.Equal(t, ".clean", cfg.Output.Suffix)

	p := cfg.RulePolicy()
	assert.Equal(t, rules.NonTLSMaskAll, p.NonTLS)
	assert.Equal(t, rules.KeepHeaderOnly, p.Content[dissect.ContentApplicationData].Mode)
	assert.Equal(t, 5, p.Content[dissect.ContentApplicationData].HeaderBytes)
	assert.Equal(t, rules.KeepAll, p.Content[dissect.ContentHandshake].Mode)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "capscrub.json", `{
  "workers": 2,
  "dissector": {"type": "builtin"},
  "policy": {"non_tls": "keep_all"}
}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, DissectorBuiltin, cfg.Dissector.Type)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "capscrub.yaml", `
workers: 3
masking:
  chunk_size: 250
  verify_checksums: true
policy:
  non_tls: mask_all
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 250, cfg.Masking.ChunkSize)
	assert.True(t, cfg.Masking.VerifyChecksums)
	assert.Equal(t, "mask_all", cfg.Policy.NonTLS)
}

func TestPartialConfigGetsDefaults(t *testing.T) {
	path := writeConfig(t, "minimal.hcl", `workers = 2`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DissectorBuiltin, cfg.Dissector.Type)
	assert.Equal(t, FallbackPreserve, cfg.Dissector.Fallback)
	assert.Equal(t, 1000, cfg.Masking.ChunkSize)
	assert.Equal(t, ".scrubbed", cfg.Output.Suffix)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Dissector.Type = "wireshark"
	cfg.Dissector.Timeout = "soon"
	cfg.Policy.NonTLS = "shred"
	cfg.Policy.Content = []ContentPolicy{
		{Type: "application_data", Mode: "truncate"},
		{Type: "telemetry", Mode: "keep_all"},
	}

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["dissector.type"])
	assert.True(t, fields["dissector.timeout"])
	assert.True(t, fields["policy.non_tls"])
	assert.True(t, fields["policy.content[application_data]"])
	assert.True(t, fields["policy.content[telemetry]"])
}

func TestDefaultValidates(t *testing.T) {
	assert.False(t, Default().Validate().HasErrors())
}

func TestHeaderBytesDefaultsWhenHeaderOnly(t *testing.T) {
	cfg := Default()
	cfg.Policy.Content = []ContentPolicy{
		{Type: "handshake", Mode: "header_only"},
	}
	p := cfg.RulePolicy()
	assert.Equal(t, dissect.HeaderLen, p.Content[dissect.ContentHandshake].HeaderBytes)
}
