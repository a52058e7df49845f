// Package kdlvalue holds the source-aware value and span primitives shared by
// the KDL parser, schema validator and config compiler.
package kdlvalue

import "fmt"

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindBool:
		return "Bool"
	default:
		return "Null"
	}
}

// Value is a tagged union over the KDL primitive types. Only one of the
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool

	// Span is the source location this value was parsed from, kept even
	// after variable interpolation substitutes the text in place so
	// diagnostics still point at the original token.
	Span Span
}

func String(s string, span Span) Value { return Value{Kind: KindString, Str: s, Span: span} }
func Integer(n int64, span Span) Value { return Value{Kind: KindInteger, Int: n, Span: span} }
func Float(f float64, span Span) Value { return Value{Kind: KindFloat, Float: f, Span: span} }
func Bool(b bool, span Span) Value     { return Value{Kind: KindBool, Bool: b, Span: span} }
func Null(span Span) Value             { return Value{Kind: KindNull, Span: span} }

// AsString returns the textual representation of the value regardless of
// kind, used for interpolation substitution and typed-name parsing.
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func (v Value) String() string { return v.AsString() }
