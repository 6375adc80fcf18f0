package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openvocab/maskclip/logutil"
)

func TestDebug(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
		" \"1\" ": true,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("MASKCLIP_DEBUG", value)
			require.Equal(t, expect, Debug())
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     logutil.LevelTrace,
		"5":     logutil.LevelTrace,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("MASKCLIP_DEBUG", value)
			require.Equal(t, expect, LogLevel())
		})
	}
}
