package expr

import (
	"fmt"
	"strconv"
)

// CompileError reports a lexical or syntactic fault in an expression
// source. It is surfaced at compile/validate time so authoring mistakes are
// caught before the expression is ever evaluated against live data.
type CompileError struct {
	Source string
	Pos    int
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("expression compile failed at offset %d: %s", e.Pos, e.Reason)
}

// Binding powers, highest first. Ternary sits below everything and is
// handled explicitly in parseExpr.
const (
	bpOr  = 10
	bpAnd = 20
	bpIn  = 30
	bpEq  = 40
	bpRel = 50
	bpAdd = 60
	bpMul = 70
)

func bindingPower(tok token) int {
	if tok.kind == tokIdent && tok.text == "in" {
		return bpIn
	}
	if tok.kind != tokOp {
		return 0
	}
	switch tok.text {
	case "||":
		return bpOr
	case "&&":
		return bpAnd
	case "==", "!=":
		return bpEq
	case "<", "<=", ">", ">=":
		return bpRel
	case "+", "-":
		return bpAdd
	case "*", "/", "%":
		return bpMul
	}
	return 0
}

type parser struct {
	src    string
	tokens []token
	pos    int
	funcs  map[string]Builtin
}

func parse(src string, funcs map[string]Builtin) (node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens, funcs: funcs}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected trailing input %q", p.peek().text)
	}
	return root, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) errorf(format string, args ...any) error {
	return &CompileError{Source: p.src, Pos: p.peek().pos, Reason: fmt.Sprintf(format, args...)}
}

// parseExpr parses a full expression including the ternary, which has the
// lowest precedence and associates right.
func (p *parser) parseExpr() (node, error) {
	cond, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp && p.peek().text == "?" {
		p.next()
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokOp || p.peek().text != ":" {
			return nil, p.errorf("expected ':' in ternary expression")
		}
		p.next()
		alt, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ternaryNode{cond: cond, then: then, alt: alt}, nil
	}
	return cond, nil
}

func (p *parser) parseBinary(minBP int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		bp := bindingPower(p.peek())
		if bp == 0 || bp <= minBP {
			return left, nil
		}
		op := p.next().text // "in" arrives as an ident token
		right, err := p.parseBinary(bp)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t.kind == tokOp && (t.text == "!" || t.text == "-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary followed by any chain of member access,
// indexing, and calls.
func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch t := p.peek(); {
		case t.kind == tokDot:
			p.next()
			field := p.next()
			if field.kind != tokIdent {
				return nil, p.errorf("expected field name after '.'")
			}
			n = &memberNode{target: n, field: field.text}
		case t.kind == tokLBracket:
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if p.next().kind != tokRBracket {
				return nil, p.errorf("expected ']'")
			}
			n = &indexNode{target: n, index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		val, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &CompileError{Source: p.src, Pos: t.pos, Reason: "malformed number " + t.text}
		}
		return &numberNode{val: val}, nil
	case tokString:
		return &stringNode{val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &boolNode{val: true}, nil
		case "false":
			return &boolNode{val: false}, nil
		case "in":
			return nil, &CompileError{Source: p.src, Pos: t.pos, Reason: "'in' is an operator, not a value"}
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return &identNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		return inner, nil
	case tokLBracket:
		return p.parseList()
	case tokEOF:
		return nil, &CompileError{Source: p.src, Pos: t.pos, Reason: "unexpected end of expression"}
	default:
		return nil, &CompileError{Source: p.src, Pos: t.pos, Reason: fmt.Sprintf("unexpected token %q", t.text)}
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := p.funcs[name.text]
	if !ok {
		return nil, &CompileError{Source: p.src, Pos: name.pos, Reason: fmt.Sprintf("unknown function %q", name.text)}
	}
	p.next() // '('
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.next().kind != tokRParen {
		return nil, p.errorf("expected ')' closing call to %s", name.text)
	}
	if fn.Arity >= 0 && len(args) != fn.Arity {
		return nil, &CompileError{Source: p.src, Pos: name.pos,
			Reason: fmt.Sprintf("%s expects %d argument(s), got %d", name.text, fn.Arity, len(args))}
	}
	return &callNode{name: name.text, fn: fn, args: args}, nil
}

func (p *parser) parseList() (node, error) {
	var elems []node
	if p.peek().kind != tokRBracket {
		for {
			el, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, el)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.next().kind != tokRBracket {
		return nil, p.errorf("expected ']' closing list literal")
	}
	return &listNode{elems: elems}, nil
}
