// Package keyselect parses key templates such as "u:${header.x-user-id}"
// and evaluates them against one request, writing the resulting key into a
// caller-supplied, reusable buffer. The same selector drives both the
// balancer's backend-hashing key and the rate-limiter's bucket key; neither
// cares how the bytes were produced, only that the same request always
// yields the same bytes.
package keyselect

import (
	"bytes"
	"fmt"
	"strings"

	"motya/internal/configmodel"
)

// Context supplies the request-derived values a KeyTemplate's segments can
// read from. Implementations are expected to be cheap to call repeatedly:
// the selector may probe several fallback templates before it finds one
// that yields a non-empty key.
type Context interface {
	GetPath() string
	GetHeader(name string) (string, bool)
	GetCookie(name string) (string, bool)
	GetIP() string
}

// ParseTemplate parses a key template string into its segment list. Literal
// text passes through verbatim; ${...} placeholders become source segments:
// ${ip}, ${path}, ${header.name}, ${cookie.name}, ${env.name}, ${var.name}.
func ParseTemplate(s string) (configmodel.KeyTemplate, error) {
	var tmpl configmodel.KeyTemplate
	for len(s) > 0 {
		start := strings.Index(s, "${")
		if start < 0 {
			tmpl.Segments = append(tmpl.Segments, configmodel.KeySegment{Source: configmodel.SegmentLiteral, Text: s})
			break
		}
		if start > 0 {
			tmpl.Segments = append(tmpl.Segments, configmodel.KeySegment{Source: configmodel.SegmentLiteral, Text: s[:start]})
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return tmpl, fmt.Errorf("key template %q: unterminated ${ placeholder", s)
		}
		seg, err := parseSource(s[start+2 : start+end])
		if err != nil {
			return tmpl, err
		}
		tmpl.Segments = append(tmpl.Segments, seg)
		s = s[start+end+1:]
	}
	return tmpl, nil
}

func parseSource(ref string) (configmodel.KeySegment, error) {
	switch ref {
	case "ip":
		return configmodel.KeySegment{Source: configmodel.SegmentIP}, nil
	case "path":
		return configmodel.KeySegment{Source: configmodel.SegmentPath}, nil
	}
	kind, name, ok := strings.Cut(ref, ".")
	if !ok || name == "" {
		return configmodel.KeySegment{}, fmt.Errorf("key template source %q: expected ip, path, or kind.name", ref)
	}
	switch kind {
	case "header":
		return configmodel.KeySegment{Source: configmodel.SegmentHeader, Text: name}, nil
	case "cookie":
		return configmodel.KeySegment{Source: configmodel.SegmentCookie, Text: name}, nil
	case "env":
		return configmodel.KeySegment{Source: configmodel.SegmentEnv, Text: name}, nil
	case "var":
		return configmodel.KeySegment{Source: configmodel.SegmentVar, Text: name}, nil
	default:
		return configmodel.KeySegment{}, fmt.Errorf("key template source %q: unknown kind %q", ref, kind)
	}
}

// Selector evaluates an ordered list of templates (primary first, then
// fallbacks), applying a shared transform pipeline to whichever template
// first yields a non-empty key. Built once per policy or upstream and
// shared read-only across requests.
type Selector struct {
	Templates  []configmodel.KeyTemplate
	Transforms []configmodel.Transform
}

// Select evaluates each template in order, stopping at the first whose
// source segments all resolve to non-empty values. The resulting key, after
// transforms, is written into out, which is truncated to zero length and
// reused rather than reallocated when it already has capacity. It returns
// false when no template yields a non-empty key, in which case out is left
// empty.
func (s *Selector) Select(ctx Context, out *[]byte) bool {
	for _, tmpl := range s.Templates {
		*out = (*out)[:0]
		if evalTemplate(ctx, tmpl, out) {
			applyTransforms(out, s.Transforms)
			return len(*out) > 0
		}
	}
	*out = (*out)[:0]
	return false
}

// evalTemplate concatenates every segment of tmpl into out. It returns
// false the instant a source segment resolves to an empty value: an empty
// source means "this template doesn't apply to this request", not "this
// template's key happens to be empty".
func evalTemplate(ctx Context, tmpl configmodel.KeyTemplate, out *[]byte) bool {
	for _, seg := range tmpl.Segments {
		raw, ok := resolveSegment(ctx, seg)
		if seg.Source != configmodel.SegmentLiteral && (!ok || raw == "") {
			return false
		}
		*out = append(*out, raw...)
	}
	return len(*out) > 0
}

// resolveSegment returns the raw bytes for one segment and whether a
// non-literal source actually produced a value.
func resolveSegment(ctx Context, seg configmodel.KeySegment) (string, bool) {
	switch seg.Source {
	case configmodel.SegmentLiteral:
		return seg.Text, true
	case configmodel.SegmentHeader:
		return ctx.GetHeader(seg.Text)
	case configmodel.SegmentCookie:
		return ctx.GetCookie(seg.Text)
	case configmodel.SegmentIP:
		ip := ctx.GetIP()
		return ip, ip != ""
	case configmodel.SegmentPath:
		p := ctx.GetPath()
		return p, p != ""
	case configmodel.SegmentEnv, configmodel.SegmentVar:
		// Folded into literals by the compiler's interpolation pass; an
		// unresolved one left here degrades to "template doesn't match"
		// rather than a panic.
		return "", false
	default:
		return "", false
	}
}

// applyTransforms runs the transform pipeline over out in place, in
// declared order.
func applyTransforms(out *[]byte, ops []configmodel.Transform) {
	for _, op := range ops {
		switch op.Kind {
		case configmodel.TransformTruncate:
			if op.Length > 0 && len(*out) > op.Length {
				*out = (*out)[:op.Length]
			}
		case configmodel.TransformLowercase:
			for i := range *out {
				if (*out)[i] >= 'A' && (*out)[i] <= 'Z' {
					(*out)[i] += 'a' - 'A'
				}
			}
		case configmodel.TransformRemoveQueryParams:
			if idx := bytes.IndexByte(*out, '?'); idx >= 0 {
				*out = (*out)[:idx]
			}
		case configmodel.TransformStripTrailingSlash:
			if len(*out) > 1 && (*out)[len(*out)-1] == '/' {
				*out = (*out)[:len(*out)-1]
			}
		}
	}
}
