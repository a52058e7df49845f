package kdlvalue

import "testing"

func TestSourceBuffer_LineCol(t *testing.T) {
	buf := NewSourceBuffer("a.kdl", "abc\ndef\nghi")

	tests := []struct {
		offset   int
		wantLine int
		wantChar int
	}{
		{0, 0, 0},
		{3, 0, 3},
		{4, 1, 0},
		{7, 1, 3},
		{8, 2, 0},
	}
	for _, tt := range tests {
		line, char := buf.LineCol(tt.offset)
		if line != tt.wantLine || char != tt.wantChar {
			t.Errorf("LineCol(%d) = (%d,%d), want (%d,%d)", tt.offset, line, char, tt.wantLine, tt.wantChar)
		}
	}
}

func TestSourceBuffer_InBounds(t *testing.T) {
	buf := NewSourceBuffer("a.kdl", "abcdef")

	if !buf.InBounds(Span{Offset: 0, Len: 6}) {
		t.Errorf("expected full-length span to be in bounds")
	}
	if buf.InBounds(Span{Offset: 4, Len: 10}) {
		t.Errorf("expected out-of-bounds span to be rejected")
	}
}

func TestValue_AsString(t *testing.T) {
	if got := Integer(42, Span{}).AsString(); got != "42" {
		t.Errorf("Integer.AsString() = %q, want 42", got)
	}
	if got := Bool(true, Span{}).AsString(); got != "true" {
		t.Errorf("Bool(true).AsString() = %q, want true", got)
	}
}
