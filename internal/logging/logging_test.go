package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.DebugLevel, Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("key", "value").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.WarnLevel, Output: &buf})
	defer Init(DefaultConfig())

	Debug().Msg("suppressed")
	Warn().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Error("debug message should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn message should pass at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		"debug":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"FATAL":   zerolog.FatalLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.DebugLevel, Output: &buf})
	defer Init(DefaultConfig())

	logger := Session("s1")
	logger.Info().Msg("bound")

	if !strings.Contains(buf.String(), `"session":"s1"`) {
		t.Errorf("expected session field, got %q", buf.String())
	}
}
