package scanner

import (
	"fmt"
	"strings"

	gcss "github.com/gorilla/css/scanner"
)

// Sheet is what a single stylesheet declares, before any names are scoped.
type Sheet struct {
	// Classes lists local class names in order of first appearance.
	Classes []string
	// Composes maps a local class to the compositions declared in its rules.
	Composes map[string][]Composition
	// Imports lists @import targets as written.
	Imports []string
}

// Composition is a single composes declaration.
type Composition struct {
	Names []string
	// From is empty for classes of the same sheet, FromGlobal for global
	// classes, or the path of another stylesheet as written.
	From string
}

// FromGlobal marks a composition of global class names.
const FromGlobal = "global"

// ParseError reports a stylesheet that could not be tokenized or understood.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

// blocks that hold further rules rather than declarations
var _ruleGroups = map[string]bool{
	"@media":     true,
	"@supports":  true,
	"@document":  true,
	"@layer":     true,
	"@container": true,
	"@scope":     true,
}

type blockKind int

const (
	_rules blockKind = iota
	_declarations
)

type block struct {
	kind    blockKind
	classes []string
}

type parser struct {
	sheet *Sheet
	seen  map[string]bool

	blocks []block

	// selector state
	atKeyword  string
	inPrelude  bool
	classes    []string
	afterDot   bool
	afterColon bool
	parens     []bool
	globalRest bool

	// declaration state
	property  string
	composing *Composition
	afterFrom bool
}

// Parse extracts class names, compositions and imports from a stylesheet.
func Parse(source string) (*Sheet, error) {
	p := &parser{
		sheet: &Sheet{Composes: make(map[string][]Composition)},
		seen:  make(map[string]bool),
	}

	s := gcss.New(source)
	for {
		tok := s.Next()
		switch tok.Type {
		case gcss.TokenEOF:
			if len(p.blocks) > 0 {
				return nil, &ParseError{Line: tok.Line, Column: tok.Column, Message: "unclosed block"}
			}
			return p.sheet, nil
		case gcss.TokenError:
			return nil, &ParseError{Line: tok.Line, Column: tok.Column, Message: tok.Value}
		case gcss.TokenComment, gcss.TokenBOM, gcss.TokenCDO, gcss.TokenCDC:
			continue
		}

		var err error
		if p.inDeclarations() {
			err = p.declarationToken(tok)
		} else {
			err = p.selectorToken(tok)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) inDeclarations() bool {
	return len(p.blocks) > 0 && p.blocks[len(p.blocks)-1].kind == _declarations
}

func (p *parser) selectorToken(tok *gcss.Token) error {
	afterDot, afterColon := p.afterDot, p.afterColon
	p.afterDot, p.afterColon = false, false

	if tok.Type != gcss.TokenS {
		if !p.inPrelude && tok.Type == gcss.TokenAtKeyword {
			p.atKeyword = strings.ToLower(tok.Value)
		}
		p.inPrelude = true
	}

	switch tok.Type {
	case gcss.TokenIdent:
		switch {
		case afterDot && !p.isGlobal():
			p.addClass(tok.Value)
		case afterColon && tok.Value == "global":
			p.globalRest = true
		case afterColon && tok.Value == "local":
			p.globalRest = false
		}
	case gcss.TokenString, gcss.TokenURI:
		if p.atKeyword == "@import" {
			target, err := unquote(tok)
			if err != nil {
				return err
			}
			p.sheet.Imports = append(p.sheet.Imports, target)
		}
	case gcss.TokenFunction:
		switch {
		case afterColon && tok.Value == "global(":
			p.parens = append(p.parens, true)
		case afterColon && tok.Value == "local(":
			p.parens = append(p.parens, false)
		default:
			p.parens = append(p.parens, p.isGlobal())
		}
	case gcss.TokenChar:
		switch tok.Value {
		case ".":
			p.afterDot = true
		case ":":
			p.afterColon = true
		case "(":
			p.parens = append(p.parens, p.isGlobal())
		case ")":
			if len(p.parens) == 0 {
				return &ParseError{Line: tok.Line, Column: tok.Column, Message: "unexpected )"}
			}
			p.parens = p.parens[:len(p.parens)-1]
		case ",":
			p.globalRest = false
		case ";":
			p.resetPrelude()
		case "{":
			p.openBlock()
		case "}":
			if len(p.blocks) == 0 {
				return &ParseError{Line: tok.Line, Column: tok.Column, Message: "unexpected }"}
			}
			p.blocks = p.blocks[:len(p.blocks)-1]
			p.resetPrelude()
		}
	}
	return nil
}

func (p *parser) openBlock() {
	b := block{kind: _declarations}
	switch {
	case _ruleGroups[p.atKeyword]:
		b.kind = _rules
	case p.atKeyword == "":
		b.classes = p.classes
	}
	p.blocks = append(p.blocks, b)
	p.resetPrelude()
	p.resetDeclaration()
}

func (p *parser) resetPrelude() {
	p.atKeyword = ""
	p.inPrelude = false
	p.classes = nil
	p.afterDot = false
	p.afterColon = false
	p.parens = nil
	p.globalRest = false
}

func (p *parser) isGlobal() bool {
	if len(p.parens) > 0 {
		return p.parens[len(p.parens)-1]
	}
	return p.globalRest
}

func (p *parser) addClass(name string) {
	p.classes = append(p.classes, name)
	if !p.seen[name] {
		p.seen[name] = true
		p.sheet.Classes = append(p.sheet.Classes, name)
	}
}

func (p *parser) declarationToken(tok *gcss.Token) error {
	switch tok.Type {
	case gcss.TokenS:
		return nil
	case gcss.TokenChar:
		switch tok.Value {
		case ":":
			if p.property == "composes" && p.composing == nil {
				p.composing = &Composition{}
			}
			return nil
		case ";":
			return p.endDeclaration(tok)
		case "{":
			if err := p.endDeclaration(tok); err != nil {
				return err
			}
			p.blocks = append(p.blocks, block{kind: _declarations})
			return nil
		case "}":
			if err := p.endDeclaration(tok); err != nil {
				return err
			}
			p.blocks = p.blocks[:len(p.blocks)-1]
			p.resetPrelude()
			return nil
		}
	case gcss.TokenIdent:
		switch {
		case p.property == "":
			p.property = strings.ToLower(tok.Value)
		case p.composing != nil && p.afterFrom:
			if tok.Value != FromGlobal || p.composing.From != "" {
				return &ParseError{Line: tok.Line, Column: tok.Column, Message: fmt.Sprintf("unexpected %q after from", tok.Value)}
			}
			p.composing.From = FromGlobal
		case p.composing != nil && tok.Value == "from":
			p.afterFrom = true
		case p.composing != nil:
			p.composing.Names = append(p.composing.Names, tok.Value)
		}
		return nil
	case gcss.TokenString:
		if p.composing != nil && p.afterFrom && p.composing.From == "" {
			from, err := unquote(tok)
			if err != nil {
				return err
			}
			p.composing.From = from
			return nil
		}
	}

	if p.property == "" {
		// Tokens like a leading "*" hack or a nested selector; treat as a property we do not understand.
		p.property = tok.Value
	}
	return nil
}

func (p *parser) endDeclaration(tok *gcss.Token) error {
	defer p.resetDeclaration()

	c := p.composing
	if c == nil {
		return nil
	}
	if len(c.Names) == 0 {
		return &ParseError{Line: tok.Line, Column: tok.Column, Message: "composes without class names"}
	}
	if p.afterFrom && c.From == "" {
		return &ParseError{Line: tok.Line, Column: tok.Column, Message: "composes from without a source"}
	}

	owners := p.blocks[len(p.blocks)-1].classes
	if len(owners) == 0 {
		return &ParseError{Line: tok.Line, Column: tok.Column, Message: "composes is only allowed in rules selecting local classes"}
	}
	for _, owner := range owners {
		p.sheet.Composes[owner] = append(p.sheet.Composes[owner], *c)
	}
	return nil
}

func (p *parser) resetDeclaration() {
	p.property = ""
	p.composing = nil
	p.afterFrom = false
}

func unquote(tok *gcss.Token) (string, error) {
	v := tok.Value
	if tok.Type == gcss.TokenURI {
		v = strings.TrimSpace(strings.TrimSuffix(v[len("url("):], ")"))
		if v == "" || (v[0] != '"' && v[0] != '\'') {
			return v, nil
		}
	}
	if len(v) < 2 || v[0] != v[len(v)-1] {
		return "", &ParseError{Line: tok.Line, Column: tok.Column, Message: fmt.Sprintf("invalid string %s", tok.Value)}
	}
	quote := string(v[0])
	return strings.ReplaceAll(v[1:len(v)-1], `\`+quote, quote), nil
}
