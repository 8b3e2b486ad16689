package logging

import (
	"log/slog"
	"testing"
)

func TestMaskFieldHidesSensitiveKeys(t *testing.T) {
	attr := MaskField("token", "eyJh.bGci.OiJF")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("token value leaked: %q", attr.Value.String())
	}
	attr = MaskField("task_id", "t-1")
	if attr.Value.String() != "t-1" {
		t.Fatalf("non-sensitive key masked: %q", attr.Value.String())
	}
	attr = MaskField("escrow_token", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %q", attr.Value.String())
	}
}

func TestTokenDigest(t *testing.T) {
	first := TokenDigest("abc.def.ghi")
	second := TokenDigest("abc.def.ghi")
	if first == "" || first != second {
		t.Fatalf("digest not stable: %q vs %q", first, second)
	}
	if len(first) != 8 {
		t.Fatalf("digest length = %d, want 8", len(first))
	}
	if TokenDigest("") != "" {
		t.Fatalf("empty token should produce empty digest")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"WARN":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"nonsense": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
