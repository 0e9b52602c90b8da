// Package tools holds small helpers shared by the config and service layers.
package tools

import (
	"os"
	"strconv"
	"strings"
	"time"

	"ShiftChat/tools/errs"
)

// Override sets *dst from environment variable key when it is set and
// parses. A value that does not parse is reported and leaves *dst alone.
func Override[T any](dst *T, key string, parse func(string) (T, error)) error {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		return errs.ErrArgs.WrapMsg("bad environment value", "key", key, "value", raw, "err", err)
	}
	*dst = v
	return nil
}

func ParseString(s string) (string, error) { return s, nil }

func ParseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// ParseBool 额外接受 yes/no、on/off
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// ParseDuration takes Go syntax ("30s", "2m").
func ParseDuration(s string) (time.Duration, error) { return time.ParseDuration(s) }

// ParseList splits "a, b,,c" into [a b c]; blank input is an error so an
// empty variable cannot wipe a configured list.
func ParseList(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, errs.ErrArgs.WrapMsg("empty list")
	}
	return out, nil
}
