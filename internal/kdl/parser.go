package kdl

import (
	"fmt"
	"strconv"

	"motya/internal/kdlvalue"
)

// ParseError holds a diagnostic-friendly parse error. Span is resolved to a
// line/column (and, further up the stack, an LSP-shaped protocol.Range) by
// whoever is rendering the diagnostic, keeping this package free of any
// presentation concern.
type ParseError struct {
	Message string
	Span    kdlvalue.Span
}

func (e *ParseError) Error() string { return e.Message }

// Parse tokenizes src and builds a Document. It always returns a (possibly
// partial) Document alongside any parse errors, so a caller with several
// documents can keep compiling the rest after one fails.
func Parse(src string) (*Document, []*ParseError) {
	tokens := Tokenize(src)
	p := &parser{tokens: tokens}
	doc := &Document{}
	for p.peek().Type != EOF {
		n := p.parseNode()
		if n != nil {
			doc.Nodes = append(doc.Nodes, n)
		}
	}
	return doc, p.errors
}

type parser struct {
	tokens []Token
	pos    int
	errors []*ParseError
}

func (p *parser) peek() Token {
	for p.pos < len(p.tokens) {
		t := p.tokens[p.pos]
		if t.Type == COMMENT {
			p.pos++
			continue
		}
		return t
	}
	return Token{Type: EOF}
}

// peekSkipNewlines skips NEWLINE and COMMENT tokens, used between top-level
// and child nodes where blank lines are insignificant.
func (p *parser) peekSkipNewlines() Token {
	for p.pos < len(p.tokens) {
		t := p.tokens[p.pos]
		if t.Type == COMMENT || t.Type == NEWLINE || t.Type == SEMI {
			p.pos++
			continue
		}
		return t
	}
	return Token{Type: EOF}
}

func (p *parser) next() Token {
	t := p.peek()
	if t.Type != EOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(span kdlvalue.Span, format string, args ...any) {
	p.errors = append(p.errors, &ParseError{Message: fmt.Sprintf(format, args...), Span: span})
}

func tokenSpan(t Token) kdlvalue.Span { return kdlvalue.Span{Offset: t.Offset, Len: t.Len} }

// parseNode parses one node: name, then a run of args/props on the same
// logical line, then an optional `{ children }` block, terminated by a
// newline, `;` or the closing brace of the enclosing block.
//
//	Node     = Ident (Arg | Prop)* ("{" Node* "}")?
//	Arg      = Value
//	Prop     = Ident "=" Value
func (p *parser) parseNode() *Node {
	tok := p.peekSkipNewlines()
	if tok.Type == EOF || tok.Type == RBRACE {
		return nil
	}
	if tok.Type != IDENT && tok.Type != STRING && tok.Type != RAWSTRING {
		p.errorf(tokenSpan(tok), "expected node name, got %s", tok.Type)
		p.next()
		return nil
	}

	name := p.next()
	n := &Node{Name: name.Value, NameSpan: tokenSpan(name), Span: tokenSpan(name)}

	for {
		t := p.peek()
		if t.Type == EOF || t.Type == LBRACE || t.Type == RBRACE || t.Type == NEWLINE || t.Type == SEMI {
			break
		}
		if t.Type == IDENT && p.tokens[p.posOfNextNonComment(p.pos+1)].Type == EQUALS {
			n.Props = append(n.Props, p.parseProp())
			continue
		}
		v := p.parseValue()
		n.Args = append(n.Args, v)
	}

	if p.peek().Type == LBRACE {
		p.next() // consume "{"
		for {
			ct := p.peekSkipNewlines()
			if ct.Type == EOF {
				p.errorf(tokenSpan(ct), "unclosed block for node %q", name.Value)
				break
			}
			if ct.Type == RBRACE {
				p.next() // consume "}"
				break
			}
			child := p.parseNode()
			if child != nil {
				n.Children = append(n.Children, child)
			}
		}
	}

	end := name
	if len(n.Children) > 0 {
		// widen the span to cover the whole block for diagnostics that
		// point at "this node" rather than just its name
		last := n.Children[len(n.Children)-1]
		n.Span.Len = last.Span.End() - n.Span.Offset
	} else {
		n.Span.Len = end.Offset + end.Len - n.Span.Offset
	}

	return n
}

// posOfNextNonComment finds the next non-comment token index at or after i,
// used to look ahead one logical token without consuming anything.
func (p *parser) posOfNextNonComment(i int) int {
	for i < len(p.tokens) {
		if p.tokens[i].Type != COMMENT {
			return i
		}
		i++
	}
	return len(p.tokens) - 1
}

func (p *parser) parseProp() Prop {
	key := p.next()
	p.next() // consume "="
	v := p.parseValue()
	return Prop{Key: key.Value, KeySpan: tokenSpan(key), Value: v}
}

func (p *parser) parseValue() kdlvalue.Value {
	t := p.next()
	span := tokenSpan(t)
	switch t.Type {
	case STRING, RAWSTRING:
		return kdlvalue.String(t.Value, span)
	case TRUE:
		return kdlvalue.Bool(true, span)
	case FALSE:
		return kdlvalue.Bool(false, span)
	case NULL:
		return kdlvalue.Null(span)
	case INTEGER:
		n, err := strconv.ParseInt(t.Value, 10, 64)
		if err != nil {
			p.errorf(span, "invalid integer literal %q", t.Value)
			return kdlvalue.Null(span)
		}
		return kdlvalue.Integer(n, span)
	case FLOAT:
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			p.errorf(span, "invalid float literal %q", t.Value)
			return kdlvalue.Null(span)
		}
		return kdlvalue.Float(f, span)
	case IDENT:
		return kdlvalue.String(t.Value, span)
	default:
		p.errorf(span, "expected a value, got %s", t.Type)
		return kdlvalue.Null(span)
	}
}
