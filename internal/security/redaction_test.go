package security

import (
	"strings"
	"testing"
)

func TestRedactPayloadMasksKeyValueSecrets(t *testing.T) {
	cases := map[string]string{
		"api_key=sk-live-abc123":            "api_key",
		`token: "tok-xyz"`:                  "token",
		`{"api_key": "sk-live-abc123"}`:     `"[REDACTED]"`,
		"Authorization: Bearer sk-abc.def":  "Authorization:",
		"used bearer sk-abc123 for request": "Bearer [REDACTED]",
	}
	for input, marker := range cases {
		out := RedactPayload(input)
		if strings.Contains(out, "sk-live-abc123") || strings.Contains(out, "tok-xyz") || strings.Contains(out, "sk-abc.def") || strings.Contains(out, "sk-abc123") {
			t.Fatalf("secret leaked in %q -> %q", input, out)
		}
		if !strings.Contains(out, marker) && !strings.Contains(out, "[REDACTED]") {
			t.Fatalf("expected redaction marker in %q -> %q", input, out)
		}
	}
}

func TestRedactPayloadLeavesPlainTextAlone(t *testing.T) {
	input := "💭 thinking: tap the settings icon"
	if out := RedactPayload(input); out != input {
		t.Fatalf("plain text changed: %q -> %q", input, out)
	}
}

func TestRedactorMasksLiteralSecrets(t *testing.T) {
	r := NewRedactor("sk-live-abcdef123456")
	out := r.Redact("request failed for key sk-live-abcdef123456 retrying")
	if strings.Contains(out, "sk-live-abcdef123456") {
		t.Fatalf("literal secret leaked: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected marker: %q", out)
	}
}

func TestRedactorIgnoresShortSecrets(t *testing.T) {
	r := NewRedactor("en", "")
	input := "agent lang set to en"
	if out := r.Redact(input); out != input {
		t.Fatalf("short value must not be masked: %q -> %q", input, out)
	}
}
