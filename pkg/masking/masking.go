// Package masking scrubs credentials out of executor event payloads before
// they reach the event log. Executors echo whatever their tools print, so
// API keys, tokens, and certificates routinely show up in transcripts.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/maestro-ai/maestro/pkg/models"
)

// Pattern is one regex replacement rule. Custom patterns come from
// configuration; built-in patterns cover the common credential shapes.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns are always active. Replacements keep the key visible so a
// reader can still tell what kind of value was removed.
var builtinPatterns = []Pattern{
	{
		Name:        "api_key",
		Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		Replacement: `"api_key": "__MASKED_API_KEY__"`,
	},
	{
		Name:        "password",
		Pattern:     `(?i)(?:password|pwd|passwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `"password": "__MASKED_PASSWORD__"`,
	},
	{
		Name:        "token",
		Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"token": "__MASKED_TOKEN__"`,
	},
	{
		Name:        "private_key",
		Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
	},
	{
		Name:        "secret_key",
		Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
	},
	{
		Name:        "certificate",
		Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `__MASKED_CERTIFICATE__`,
	},
	{
		Name:        "ssh_key",
		Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `__MASKED_SSH_KEY__`,
	},
	{
		Name:        "aws_access_key",
		Pattern:     `AKIA[A-Z0-9]{16}`,
		Replacement: `__MASKED_AWS_KEY__`,
	},
	{
		Name:        "github_token",
		Pattern:     `gh[ps]_[A-Za-z0-9_]{36,255}`,
		Replacement: `__MASKED_GITHUB_TOKEN__`,
	},
	{
		Name:        "slack_token",
		Pattern:     `xox[baprs]-[A-Za-z0-9-]{10,72}`,
		Replacement: `__MASKED_SLACK_TOKEN__`,
	},
}

// Masker applies a compiled pattern set to strings and payloads.
type Masker struct {
	patterns []*compiledPattern
}

// NewMasker compiles the built-in patterns plus any custom ones. Invalid
// custom patterns are logged and skipped rather than failing startup.
func NewMasker(custom ...Pattern) *Masker {
	m := &Masker{}
	for _, p := range builtinPatterns {
		m.patterns = append(m.patterns, &compiledPattern{
			name:        p.Name,
			regex:       regexp.MustCompile(p.Pattern),
			replacement: p.Replacement,
		})
	}
	for _, p := range custom {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &compiledPattern{
			name:        p.Name,
			regex:       compiled,
			replacement: p.Replacement,
		})
	}
	return m
}

// MaskString applies every pattern to s.
func (m *Masker) MaskString(s string) string {
	for _, p := range m.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskPayload returns a copy of the payload with every string value masked,
// recursing through nested objects and arrays. The input is never mutated.
func (m *Masker) MaskPayload(payload models.JSONMap) models.JSONMap {
	if payload == nil {
		return nil
	}
	out := make(models.JSONMap, len(payload))
	for k, v := range payload {
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *Masker) maskValue(v any) any {
	switch t := v.(type) {
	case string:
		return m.MaskString(t)
	case models.JSONMap:
		return m.MaskPayload(t)
	case map[string]any:
		return m.MaskPayload(models.JSONMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = m.maskValue(item)
		}
		return out
	}
	return v
}
