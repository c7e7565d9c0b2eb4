package metadata

import (
	"context"
	"fmt"
	"strconv"
)

// ClassInfo describes one class in a static schema.
type ClassInfo struct {
	Name        string
	Label       string
	BaseClasses []string
}

// StaticInspector is an Inspector over a fixed class table. It is primarily
// useful in tests and tools that build hierarchies over data sources with a
// known schema.
type StaticInspector struct {
	classes map[string]ClassInfo
}

var _ Inspector = (*StaticInspector)(nil)

func NewStaticInspector(classes ...ClassInfo) *StaticInspector {
	m := make(map[string]ClassInfo, len(classes))
	for _, c := range classes {
		m[c.Name] = c
	}
	return &StaticInspector{classes: m}
}

func (s *StaticInspector) ClassDerivesFrom(ctx context.Context, candidate, base string) (bool, error) {
	if candidate == base {
		return true, nil
	}
	info, ok := s.classes[candidate]
	if !ok {
		return false, fmt.Errorf("class %q not found in schema", candidate)
	}
	for _, b := range info.BaseClasses {
		derives, err := s.ClassDerivesFrom(ctx, b, base)
		if err != nil {
			return false, err
		}
		if derives {
			return true, nil
		}
	}
	return false, nil
}

func (s *StaticInspector) ClassLabel(ctx context.Context, className string) (string, error) {
	info, ok := s.classes[className]
	if !ok {
		return "", fmt.Errorf("class %q not found in schema", className)
	}
	if info.Label != "" {
		return info.Label, nil
	}
	return info.Name, nil
}

// DefaultFormatter renders typed values without localization. Dates render in
// RFC 3339, floats with the shortest representation that round-trips.
type DefaultFormatter struct{}

var _ Formatter = (*DefaultFormatter)(nil)

func (DefaultFormatter) Format(ctx context.Context, value TypedValue) (string, error) {
	switch value.Kind {
	case KindString:
		return value.Str, nil
	case KindInt:
		return strconv.FormatInt(value.Int, 10), nil
	case KindFloat:
		return strconv.FormatFloat(value.Float, 'g', -1, 64), nil
	case KindBool:
		return strconv.FormatBool(value.Bool), nil
	case KindDateTime:
		return value.Time.Format("2006-01-02T15:04:05Z07:00"), nil
	default:
		return "", fmt.Errorf("unknown value kind %d", value.Kind)
	}
}
