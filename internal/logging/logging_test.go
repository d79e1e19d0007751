package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup(t *testing.T) {
	t.Run("sets the global level", func(t *testing.T) {
		if err := Setup("debug", false, ""); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if zerolog.GlobalLevel() != zerolog.DebugLevel {
			t.Errorf("expected debug level, got %s", zerolog.GlobalLevel())
		}
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		if err := Setup("loud", false, ""); err == nil {
			t.Error("expected error for unknown level")
		}
	})

	t.Run("empty level defaults to info", func(t *testing.T) {
		if err := Setup("", false, ""); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		if zerolog.GlobalLevel() != zerolog.InfoLevel {
			t.Errorf("expected info level, got %s", zerolog.GlobalLevel())
		}
	})

	t.Run("duplicates output to a log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "engine.log")
		if err := Setup("info", false, path); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
		log.Info().Str("probe", "file-output").Msg("logging test")

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		if !strings.Contains(string(data), "file-output") {
			t.Errorf("expected probe entry in log file, got %q", data)
		}
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"WARN":  zerolog.WarnLevel,
		"Error": zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Errorf("parseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
