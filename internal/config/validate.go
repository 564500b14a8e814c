package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/capscrub/internal/rules"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks every field after defaults have been applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}

	switch c.Dissector.Type {
	case DissectorBuiltin, DissectorTshark:
	default:
		add("dissector.type", "must be %q or %q, got %q", DissectorBuiltin, DissectorTshark, c.Dissector.Type)
	}
	if _, err := time.ParseDuration(c.Dissector.Timeout); err != nil {
		add("dissector.timeout", "invalid duration %q", c.Dissector.Timeout)
	}
	switch c.Dissector.Fallback {
	case FallbackPreserve, FallbackFail:
	default:
		add("dissector.fallback", "must be %q or %q, got %q", FallbackPreserve, FallbackFail, c.Dissector.Fallback)
	}

	switch rules.NonTLSMode(c.Policy.NonTLS) {
	case rules.NonTLSKeepAll, rules.NonTLSMaskAll:
	default:
		add("policy.non_tls", "unknown mode %q", c.Policy.NonTLS)
	}
	for _, cp := range c.Policy.Content {
		field := fmt.Sprintf("policy.content[%s]", cp.Type)
		if _, ok := contentTypeByName(cp.Type); !ok {
			add(field, "unknown content type")
			continue
		}
		switch rules.Mode(cp.Mode) {
		case rules.KeepAll, rules.KeepHeaderOnly:
		default:
			add(field, "unknown mode %q", cp.Mode)
		}
		if cp.HeaderBytes < 0 {
			add(field, "header_bytes must not be negative")
		}
	}

	if c.Masking.ChunkSize <= 0 {
		add("masking.chunk_size", "must be positive, got %d", c.Masking.ChunkSize)
	}
	if c.Workers <= 0 {
		add("workers", "must be positive, got %d", c.Workers)
	}
	return errs
}
