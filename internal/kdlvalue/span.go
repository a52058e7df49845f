package kdlvalue

import "fmt"

// Span is a byte-offset range into a named SourceBuffer.
type Span struct {
	Offset int
	Len    int
}

// End returns the exclusive end offset of the span.
func (s Span) End() int { return s.Offset + s.Len }

func (s Span) String() string { return fmt.Sprintf("%d..%d", s.Offset, s.End()) }

// SourceBuffer is a named, immutable source text used by a parse session to
// resolve spans back into line/column positions for diagnostics.
type SourceBuffer struct {
	Name  string
	Bytes []byte
}

// NewSourceBuffer wraps src under name.
func NewSourceBuffer(name, src string) *SourceBuffer {
	return &SourceBuffer{Name: name, Bytes: []byte(src)}
}

// LineCol converts a byte offset into a 0-based (line, character) position.
// Offsets past the end of the buffer clamp to the last valid position.
func (b *SourceBuffer) LineCol(offset int) (line, char int) {
	if offset > len(b.Bytes) {
		offset = len(b.Bytes)
	}
	for i := 0; i < offset; i++ {
		if b.Bytes[i] == '\n' {
			line++
			char = 0
		} else {
			char++
		}
	}
	return
}

// Text returns the substring covered by span, clamped to buffer bounds.
func (b *SourceBuffer) Text(span Span) string {
	start := span.Offset
	end := span.End()
	if start < 0 {
		start = 0
	}
	if end > len(b.Bytes) {
		end = len(b.Bytes)
	}
	if start > end {
		return ""
	}
	return string(b.Bytes[start:end])
}

// InBounds reports whether span lies entirely within the buffer's bytes,
// the invariant every diagnostic produced by this compiler must satisfy.
func (b *SourceBuffer) InBounds(span Span) bool {
	return span.Offset >= 0 && span.End() <= len(b.Bytes)
}
