// Package security scrubs credentials from agent output before it is
// streamed or persisted. The agent process receives the API key
// through its environment and may echo it back in diagnostics.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
)

// RedactPayload masks secret-looking key/value pairs, JSON fields,
// and authorization headers in free-form text.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

// Redactor additionally masks known literal secrets, such as the
// configured API key, wherever they appear.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		// Short values would mangle ordinary text.
		if len(strings.TrimSpace(s)) >= 8 {
			kept = append(kept, s)
		}
	}
	return &Redactor{secrets: kept}
}

func (r *Redactor) Redact(input string) string {
	if input == "" {
		return ""
	}
	for _, s := range r.secrets {
		input = strings.ReplaceAll(input, s, "[REDACTED]")
	}
	return RedactPayload(input)
}
