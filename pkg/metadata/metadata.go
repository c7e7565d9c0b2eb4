// Package metadata defines the schema and formatting capabilities the
// hierarchy building engine consumes. Implementations are expected to be
// backed by the data source's schema layer; a static table-backed
// implementation is provided for callers that know their class graph up
// front.
package metadata

import (
	"context"
	"time"
)

// Inspector answers class hierarchy questions about the data source schema.
type Inspector interface {
	// ClassDerivesFrom returns true if candidate is base or derives from base,
	// directly or transitively. Class names are fully qualified.
	ClassDerivesFrom(ctx context.Context, candidate, base string) (bool, error)

	// ClassLabel returns the display label for the given class, falling back
	// to the class name when no label is defined.
	ClassLabel(ctx context.Context, className string) (string, error)
}

// ValueKind discriminates the value types a formatter can render.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindDateTime
)

// TypedValue is a value paired with its type, as produced by row queries and
// consumed by label formatting.
type TypedValue struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
}

func StringValue(s string) TypedValue  { return TypedValue{Kind: KindString, Str: s} }
func IntValue(i int64) TypedValue      { return TypedValue{Kind: KindInt, Int: i} }
func FloatValue(f float64) TypedValue  { return TypedValue{Kind: KindFloat, Float: f} }
func BoolValue(b bool) TypedValue      { return TypedValue{Kind: KindBool, Bool: b} }
func TimeValue(t time.Time) TypedValue { return TypedValue{Kind: KindDateTime, Time: t} }

// Formatter renders typed values into display strings. Implementations may
// apply unit conversions or localization; they are replaceable at runtime
// through the hierarchy provider.
type Formatter interface {
	Format(ctx context.Context, value TypedValue) (string, error)
}
