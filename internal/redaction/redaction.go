// Package redaction masks secret-shaped promise rvals (api keys, passwords,
// tokens) before they are written to logs or the audit ledger.
package redaction

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// SecretConfig controls the Redactor.
type SecretConfig struct {
	Enabled         bool
	RedactionText   string
	BlockedPatterns []string
}

// DefaultConfig matches the promise lvals most likely to carry secrets
// (package module options, file-install paths with embedded credentials).
func DefaultConfig() SecretConfig {
	return SecretConfig{
		Enabled:       true,
		RedactionText: "***REDACTED***",
		BlockedPatterns: []string{
			"password", "secret", "token", "apikey", "private_key", "credential",
		},
	}
}

// Redactor masks secret-shaped strings and map fields.
type Redactor struct {
	config SecretConfig
}

// NewRedactor constructs a Redactor from cfg.
func NewRedactor(cfg SecretConfig) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = "***REDACTED***"
	}
	return &Redactor{config: cfg}
}

// RedactString masks any secret-shaped substrings of s.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.config.RedactionText)
	}
	return result
}

// RedactMap masks secret-named fields and recurses into nested values; used
// to sanitize a constraint's rval before it reaches the audit ledger.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if !r.config.Enabled {
		return m
	}
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case r.isSecretField(k):
			result[k] = r.config.RedactionText
		case v == nil:
			result[k] = v
		default:
			switch val := v.(type) {
			case string:
				result[k] = r.RedactString(val)
			case map[string]interface{}:
				result[k] = r.RedactMap(val)
			case []interface{}:
				result[k] = r.redactSlice(val)
			default:
				result[k] = v
			}
		}
	}
	return result
}

func (r *Redactor) redactSlice(s []interface{}) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case string:
			result[i] = r.RedactString(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		default:
			result[i] = val
		}
	}
	return result
}

func (r *Redactor) isSecretField(fieldName string) bool {
	lowerName := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedPatterns {
		if strings.Contains(lowerName, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

// RedactAll masks secret-shaped substrings of s using DefaultConfig.
func RedactAll(s string) string {
	return NewRedactor(DefaultConfig()).RedactString(s)
}
