// Package schema validates parsed KDL nodes against declarative node
// schemas: one data table per node shape, walked by a single generic
// validator that accumulates every violation it finds.
package schema

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"motya/internal/kdl"
	"motya/internal/kdlvalue"
)

// ArgSchema describes one positional argument slot.
type ArgSchema struct {
	Name     string
	Kind     kdlvalue.Kind
	Optional bool
}

// PropSchema describes one key=value property.
type PropSchema struct {
	Kind     kdlvalue.Kind
	Required bool
}

// ChildSchema describes how many times a child node name may appear and,
// recursively, what shape it must have.
type ChildSchema struct {
	Schema *NodeSchema
	Min    int
	Max    int // 0 means unbounded
}

// NameType constrains how a node's own name parses. Most nodes have fixed
// names matched by the parent's child table; data-named nodes (a listener
// address, an include path) are validated against one of these instead.
type NameType int

const (
	NameAny NameType = iota
	NameSocketAddr
	NameFQDN
	NameInteger
)

// NodeSchema is the full shape a node must conform to: a fixed prefix of
// positional args (Args), a bag of named properties (Props) and a set of
// allowed children (Children), keyed by child node name. Wildcard, when
// set, validates children whose names carry data rather than structure
// (service names, listener addresses, include paths).
type NodeSchema struct {
	Name     string
	NameKind NameType

	Args        []ArgSchema
	VariadicArg *ArgSchema // extra trailing args beyond len(Args), if allowed

	Props map[string]PropSchema

	Children             map[string]ChildSchema
	Wildcard             *ChildSchema
	AllowUnknownChildren bool
	AllowUnknownProps    bool
}

// Diagnostic is a schema violation, source-span based so it can be rendered
// against any SourceBuffer the caller is holding.
type Diagnostic struct {
	Message  string
	Help     string
	Span     kdlvalue.Span
	Severity protocol.DiagnosticSeverity
}

// Validate walks n against s, returning every violation found. It never
// stops at the first error: a config author fixing one typo should see every
// other mistake in the same pass.
func Validate(n *kdl.Node, s *NodeSchema) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, validateName(n, s)...)
	diags = append(diags, validateArgs(n, s)...)
	diags = append(diags, validateProps(n, s)...)
	diags = append(diags, validateChildren(n, s)...)
	return diags
}

// validateName checks a data-carrying node name against the schema's
// NameKind, pointing the diagnostic at the name's own span.
func validateName(n *kdl.Node, s *NodeSchema) []Diagnostic {
	var msg, help string
	switch s.NameKind {
	case NameSocketAddr:
		if strings.HasPrefix(n.Name, "unix:") {
			if len(n.Name) == len("unix:") {
				msg = fmt.Sprintf("%q is missing the socket path after unix:", n.Name)
			}
			break
		}
		if _, _, err := net.SplitHostPort(n.Name); err != nil {
			msg = fmt.Sprintf("%q is not a valid socket address", n.Name)
			help = `expected "host:port" or "unix:/path"`
		}
	case NameFQDN:
		if !strings.Contains(n.Name, ".") {
			msg = fmt.Sprintf("%q is not a fully-qualified filter name", n.Name)
			help = `expected a dotted name such as "motya.request.upsert-header"`
		}
	case NameInteger:
		if _, err := strconv.ParseInt(n.Name, 10, 64); err != nil {
			msg = fmt.Sprintf("%q is not an integer", n.Name)
		}
	}
	if msg == "" {
		return nil
	}
	return []Diagnostic{{
		Message:  msg,
		Help:     help,
		Span:     n.NameSpan,
		Severity: protocol.DiagnosticSeverityError,
	}}
}

func validateArgs(n *kdl.Node, s *NodeSchema) []Diagnostic {
	var diags []Diagnostic
	for i, argSchema := range s.Args {
		if i >= len(n.Args) {
			if !argSchema.Optional {
				diags = append(diags, Diagnostic{
					Message:  fmt.Sprintf("%q is missing required argument %q", n.Name, argSchema.Name),
					Span:     n.NameSpan,
					Severity: protocol.DiagnosticSeverityError,
				})
			}
			continue
		}
		got := n.Args[i]
		if !kindMatches(got.Kind, argSchema.Kind) {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("argument %q of %q must be %s, got %s", argSchema.Name, n.Name, argSchema.Kind, got.Kind),
				Span:     got.Span,
				Severity: protocol.DiagnosticSeverityError,
			})
		}
	}
	if len(n.Args) > len(s.Args) {
		extra := n.Args[len(s.Args):]
		if s.VariadicArg == nil {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("%q takes at most %d argument(s), got %d", n.Name, len(s.Args), len(n.Args)),
				Span:     extra[0].Span,
				Severity: protocol.DiagnosticSeverityError,
			})
		} else {
			for _, v := range extra {
				if !kindMatches(v.Kind, s.VariadicArg.Kind) {
					diags = append(diags, Diagnostic{
						Message:  fmt.Sprintf("extra argument to %q must be %s, got %s", n.Name, s.VariadicArg.Kind, v.Kind),
						Span:     v.Span,
						Severity: protocol.DiagnosticSeverityError,
					})
				}
			}
		}
	}
	return diags
}

// kindMatches reports whether a value of kind got satisfies a slot
// declared as want. An integer literal satisfies a float slot, so a config
// author can write `rate 1` for a whole-number rate.
func kindMatches(got, want kdlvalue.Kind) bool {
	if got == want {
		return true
	}
	return want == kdlvalue.KindFloat && got == kdlvalue.KindInteger
}

func validateProps(n *kdl.Node, s *NodeSchema) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool, len(n.Props))
	for _, p := range n.Props {
		seen[p.Key] = true
		propSchema, ok := s.Props[p.Key]
		if !ok {
			if !s.AllowUnknownProps {
				diags = append(diags, Diagnostic{
					Message:  fmt.Sprintf("unknown property %q on %q", p.Key, n.Name),
					Span:     p.KeySpan,
					Severity: protocol.DiagnosticSeverityWarning,
				})
			}
			continue
		}
		if !kindMatches(p.Value.Kind, propSchema.Kind) {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("property %q on %q must be %s, got %s", p.Key, n.Name, propSchema.Kind, p.Value.Kind),
				Span:     p.Value.Span,
				Severity: protocol.DiagnosticSeverityError,
			})
		}
	}
	for key, propSchema := range s.Props {
		if propSchema.Required && !seen[key] {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("%q is missing required property %q", n.Name, key),
				Span:     n.NameSpan,
				Severity: protocol.DiagnosticSeverityError,
			})
		}
	}
	return diags
}

func validateChildren(n *kdl.Node, s *NodeSchema) []Diagnostic {
	var diags []Diagnostic
	counts := make(map[string]int, len(s.Children))
	for _, c := range n.Children {
		childSchema, ok := s.Children[c.Name]
		if !ok {
			if s.Wildcard != nil {
				if s.Wildcard.Schema != nil {
					diags = append(diags, Validate(c, s.Wildcard.Schema)...)
				}
				continue
			}
			if !s.AllowUnknownChildren {
				diags = append(diags, Diagnostic{
					Message:  fmt.Sprintf("unknown child node %q inside %q", c.Name, n.Name),
					Span:     c.NameSpan,
					Severity: protocol.DiagnosticSeverityWarning,
				})
			}
			continue
		}
		counts[c.Name]++
		if childSchema.Schema != nil {
			diags = append(diags, Validate(c, childSchema.Schema)...)
		}
	}
	for name, childSchema := range s.Children {
		count := counts[name]
		if count < childSchema.Min {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("%q requires at least %d %q node(s), found %d", n.Name, childSchema.Min, name, count),
				Span:     n.NameSpan,
				Severity: protocol.DiagnosticSeverityError,
			})
		}
		if childSchema.Max > 0 && count > childSchema.Max {
			diags = append(diags, Diagnostic{
				Message:  fmt.Sprintf("%q allows at most %d %q node(s), found %d", n.Name, childSchema.Max, name, count),
				Span:     n.NameSpan,
				Severity: protocol.DiagnosticSeverityError,
			})
		}
	}
	return diags
}

// Variant is one candidate shape of an enum node (a storage's memory vs
// redis variant).
type Variant struct {
	Name  string
	Props map[string]PropSchema
}

// MatchVariant scores n against each candidate and returns the index of the
// best match, or -1 with a diagnostic naming the allowed variants. word is
// the variant selector read from the node (typically a positional arg); the
// score favors an exact name match, then counts recognized properties and
// type-compatible values, so a node that names no variant can still match
// by shape.
func MatchVariant(n *kdl.Node, word string, variants []Variant) (int, []Diagnostic) {
	best, bestScore, ties := -1, 0, 0
	for i, v := range variants {
		score := 0
		if word == v.Name {
			score += 4
		}
		for _, p := range n.Props {
			ps, ok := v.Props[p.Key]
			if !ok {
				continue
			}
			score++
			if kindMatches(p.Value.Kind, ps.Kind) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore, ties = i, score, 1
		} else if score == bestScore && score > 0 {
			ties++
		}
	}
	if best >= 0 && ties == 1 {
		return best, nil
	}
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	return -1, []Diagnostic{{
		Message:  fmt.Sprintf("%q does not match any known variant", n.Name),
		Help:     "allowed variants: " + strings.Join(names, ", "),
		Span:     n.NameSpan,
		Severity: protocol.DiagnosticSeverityError,
	}}
}

// ValidateDocument validates the top-level nodes of doc against s, as if
// they were the children of a synthetic root node. This is how a whole KDL
// source file is checked against DocumentSchema.
func ValidateDocument(doc *kdl.Document, s *NodeSchema) []Diagnostic {
	root := &kdl.Node{Name: s.Name, Children: doc.Nodes}
	return validateChildren(root, s)
}

// ToProtocolDiagnostics converts schema diagnostics into LSP-shaped
// diagnostics against buf, the source the nodes were parsed from.
func ToProtocolDiagnostics(buf *kdlvalue.SourceBuffer, diags []Diagnostic) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		startLine, startChar := buf.LineCol(d.Span.Offset)
		endLine, endChar := buf.LineCol(d.Span.End())
		sev := d.Severity
		source := "motya"
		message := d.Message
		if d.Help != "" {
			message += " (" + d.Help + ")"
		}
		out = append(out, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: uint32(startLine), Character: uint32(startChar)},
				End:   protocol.Position{Line: uint32(endLine), Character: uint32(endChar)},
			},
			Severity: &sev,
			Source:   &source,
			Message:  message,
		})
	}
	return out
}
