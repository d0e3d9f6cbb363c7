package rules

import (
	"fmt"
	"strings"
)

// Level is an urgency or importance label. The zero value means "no label".
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = map[Level]string{
	LevelLow:      "low",
	LevelMedium:   "medium",
	LevelHigh:     "high",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return ""
}

// ParseLevel accepts the four label names plus "urgent", which is treated as high.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high", "urgent":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = LevelNone
		return nil
	}
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
