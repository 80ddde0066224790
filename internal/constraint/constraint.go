// SPDX-License-Identifier: AGPL-3.0-or-later

// Package constraint parses job constraint expressions into the JSON
// constraint tree stored at attributes.system.constraints.
//
// An expression is a sequence of terms of the form [op:]value joined by
// and/&/&&, or/|/||, negated with not or a leading '-', and grouped with
// parentheses. Adjacent terms are implicitly and-ed. The default op is
// properties.
package constraint

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrSyntax is returned for malformed expressions.
var ErrSyntax = errors.New("constraint: syntax error")

// ErrUnknownOperator is returned for unrecognized operator names.
var ErrUnknownOperator = errors.New("constraint: unknown operator")

// Tree is a constraint node: a single-key object mapping an operator to
// its argument list.
type Tree = map[string]any

// Operators recognized in constraint trees.
const (
	OpProperties = "properties"
	OpHostlist   = "hostlist"
	OpRanks      = "ranks"
	OpAnd        = "and"
	OpOr         = "or"
	OpNot        = "not"
)

var opAliases = map[string]string{
	"properties": OpProperties,
	"property":   OpProperties,
	"prop":       OpProperties,
	"hostlist":   OpHostlist,
	"host":       OpHostlist,
	"hosts":      OpHostlist,
	"ranks":      OpRanks,
	"rank":       OpRanks,
}

type tokenKind int

const (
	tokTerm tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

// Parse converts expr to a constraint tree. An empty expression yields nil.
func Parse(expr string) (Tree, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	p := &parser{toks: toks}
	tree, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, p.toks[p.pos].text)
	}
	return tree, nil
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case r == '&':
			i++
			if i < len(rs) && rs[i] == '&' {
				i++
			}
			toks = append(toks, token{tokAnd, "&"})
		case r == '|':
			i++
			if i < len(rs) && rs[i] == '|' {
				i++
			}
			toks = append(toks, token{tokOr, "|"})
		case r == '-':
			toks = append(toks, token{tokNot, "-"})
			i++
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && !strings.ContainsRune("()&|", rs[i]) {
				i++
			}
			word := string(rs[start:i])
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			case "not":
				toks = append(toks, token{tokNot, word})
			default:
				toks = append(toks, token{tokTerm, word})
			}
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (Tree, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Tree{first}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOr {
			break
		}
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Tree{OpOr: toList(terms)}, nil
}

func (p *parser) parseAnd() (Tree, error) {
	var terms []Tree
	for {
		tok, ok := p.peek()
		if !ok || tok.kind == tokOr || tok.kind == tokRParen {
			break
		}
		if tok.kind == tokAnd {
			if len(terms) == 0 {
				return nil, fmt.Errorf("%w: %q without left operand", ErrSyntax, tok.text)
			}
			p.pos++
			if next, ok := p.peek(); !ok || next.kind == tokOr || next.kind == tokRParen || next.kind == tokAnd {
				return nil, fmt.Errorf("%w: %q without right operand", ErrSyntax, tok.text)
			}
			continue
		}
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: expected a term", ErrSyntax)
	}
	return And(terms...), nil
}

func (p *parser) parseUnary() (Tree, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	switch tok.kind {
	case tokNot:
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing, ok := p.peek(); !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')'", ErrSyntax)
		}
		p.pos++
		return inner, nil
	case tokTerm:
		p.pos++
		return parseTerm(tok.text)
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, tok.text)
	}
}

func parseTerm(text string) (Tree, error) {
	op, value := OpProperties, text
	if name, rest, ok := strings.Cut(text, ":"); ok {
		canon, known := opAliases[strings.ToLower(name)]
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
		}
		op, value = canon, rest
	}
	if value == "" {
		return nil, fmt.Errorf("%w: empty value in %q", ErrSyntax, text)
	}
	var values []any
	if op == OpProperties {
		for _, v := range strings.Split(value, ",") {
			if v == "" {
				return nil, fmt.Errorf("%w: empty property in %q", ErrSyntax, text)
			}
			values = append(values, v)
		}
	} else {
		values = []any{value}
	}
	return Tree{op: values}, nil
}

// And combines terms, merging property terms into one properties node.
// A single term is returned unchanged.
func And(terms ...Tree) Tree {
	var (
		props []any
		rest  []Tree
		first = -1
	)
	for _, t := range terms {
		if vals, ok := t[OpProperties].([]any); ok && len(t) == 1 {
			if first < 0 {
				first = len(rest)
				rest = append(rest, nil)
			}
			props = appendUnique(props, vals...)
			continue
		}
		rest = append(rest, t)
	}
	if first >= 0 {
		rest[first] = Tree{OpProperties: props}
	}
	if len(rest) == 1 {
		return rest[0]
	}
	return Tree{OpAnd: toList(rest)}
}

// Not negates t. A negated plain property becomes "^prop".
func Not(t Tree) Tree {
	if vals, ok := t[OpProperties].([]any); ok && len(t) == 1 && len(vals) == 1 {
		if s, ok := vals[0].(string); ok {
			if strings.HasPrefix(s, "^") {
				return Tree{OpProperties: []any{s[1:]}}
			}
			return Tree{OpProperties: []any{"^" + s}}
		}
	}
	return Tree{OpNot: []any{t}}
}

func appendUnique(list []any, values ...any) []any {
	for _, v := range values {
		dup := false
		for _, have := range list {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, v)
		}
	}
	return list
}

// AppendUnique appends values to list, skipping values already present.
func AppendUnique(list []any, values ...any) []any {
	return appendUnique(list, values...)
}

func toList(terms []Tree) []any {
	out := make([]any, len(terms))
	for i, t := range terms {
		out[i] = t
	}
	return out
}
