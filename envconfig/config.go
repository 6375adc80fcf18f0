package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/openvocab/maskclip/logutil"
)

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool returns a function reporting whether the environment variable k
// is set to a truthy value. Non-empty values that do not parse as a
// bool count as true, so MASKCLIP_DEBUG=yes behaves like
// MASKCLIP_DEBUG=1.
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Debug reports whether MASKCLIP_DEBUG is set.
var Debug = Bool("MASKCLIP_DEBUG")

// LogLevel maps MASKCLIP_DEBUG to a slog level: unset is info, a
// truthy value is debug, 2 or above is trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("MASKCLIP_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i >= 2 {
			level = logutil.LevelTrace
		}
	}
	return level
}
