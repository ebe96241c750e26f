package options

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError describes a failure to parse an option value, pointing at
// the offending line and column.
type ParseError struct {
	Value    string
	TypeName string
	Line     int
	Column   int
	Expected string
}

func (e *ParseError) Error() string {
	return e.Render("value")
}

// Render formats the error with the name the user supplied the value
// under, e.g. "--foo" or "PANTS_FOO".
func (e *ParseError) Render(name string) string {
	var lines []string
	for i, line := range strings.Split(e.Value, "\n") {
		lineNo := i + 1
		if lineNo == e.Line {
			lines = append(lines, fmt.Sprintf("%d:%s\n  %s^", lineNo, line, strings.Repeat("-", e.Column-1)))
		} else {
			lines = append(lines, fmt.Sprintf("%d:%s", lineNo, line))
		}
	}
	return fmt.Sprintf(
		"Problem parsing %s %s value:\n%s\nExpected %s at line %d column %d",
		name, e.TypeName, strings.Join(lines, "\n"), e.Expected, e.Line, e.Column)
}

type valueParser struct {
	input    string
	typeName string
	pos      int
}

func (p *valueParser) errorf(expected string) *ParseError {
	line, column := 1, 1
	for _, c := range []byte(p.input[:p.pos]) {
		if c == '\n' {
			line++
			column = 1
		} else {
			column++
		}
	}
	return &ParseError{
		Value:    p.input,
		TypeName: p.typeName,
		Line:     line,
		Column:   column,
		Expected: expected,
	}
}

func (p *valueParser) atEnd() bool {
	return p.pos >= len(p.input)
}

func (p *valueParser) peek() byte {
	if p.atEnd() {
		return 0
	}
	return p.input[p.pos]
}

func (p *valueParser) peekAt(offset int) byte {
	if p.pos+offset >= len(p.input) {
		return 0
	}
	return p.input[p.pos+offset]
}

func isValueWhitespace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

func (p *valueParser) skipWhitespace() {
	for !p.atEnd() && isValueWhitespace(p.peek()) {
		p.pos++
	}
}

func (p *valueParser) expectEnd() *ParseError {
	if !p.atEnd() {
		return p.errorf("the end of the value")
	}
	return nil
}

func (p *valueParser) parseBool() (bool, *ParseError) {
	for _, candidate := range []struct {
		text  string
		value bool
	}{{"true", true}, {"false", false}} {
		if len(p.input)-p.pos >= len(candidate.text) &&
			strings.EqualFold(p.input[p.pos:p.pos+len(candidate.text)], candidate.text) {
			p.pos += len(candidate.text)
			return candidate.value, nil
		}
	}
	return false, p.errorf("'true' or 'false'")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// scanDigits consumes digits with optional underscore separators, as
// accepted in Python numeric literals.
func (p *valueParser) scanDigits() bool {
	if !isDigit(p.peek()) {
		return false
	}
	for {
		p.pos++
		if p.peek() == '_' && isDigit(p.peekAt(1)) {
			p.pos++
		}
		if !isDigit(p.peek()) {
			return true
		}
	}
}

func (p *valueParser) parseInt() (int64, *ParseError) {
	start := p.pos
	if p.peek() == '+' || p.peek() == '-' {
		p.pos++
	}
	if !p.scanDigits() {
		p.pos = start
		return 0, p.errorf(`"+", "-" or a digit`)
	}
	text := strings.ReplaceAll(p.input[start:p.pos], "_", "")
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		p.pos = start
		return 0, p.errorf("an int that fits in 64 bits")
	}
	return value, nil
}

func (p *valueParser) parseFloat() (float64, *ParseError) {
	start := p.pos
	if p.peek() == '+' || p.peek() == '-' {
		p.pos++
	}
	if !p.scanDigits() {
		p.pos = start
		return 0, p.errorf(`"+", "-" or a digit`)
	}
	if p.peek() != '.' {
		p.pos = start
		return 0, p.errorf("a decimal point")
	}
	p.pos++
	if isDigit(p.peek()) {
		p.scanDigits()
	}
	if c := p.peek(); c == 'e' || c == 'E' {
		if s := p.peekAt(1); s == '+' || s == '-' {
			mark := p.pos
			p.pos += 2
			if !p.scanDigits() {
				p.pos = mark
				return 0, p.errorf("exponent digits")
			}
		}
	}
	text := strings.ReplaceAll(p.input[start:p.pos], "_", "")
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		p.pos = start
		return 0, p.errorf("a valid float")
	}
	return value, nil
}

// parseEscape is called with p.pos on the backslash. Unrecognized
// sequences keep the backslash literally, mirroring Python string
// literal semantics.
func (p *valueParser) parseEscape() (string, *ParseError) {
	c := p.peekAt(1)
	switch c {
	case '\\':
		p.pos += 2
		return `\`, nil
	case '\'':
		p.pos += 2
		return "'", nil
	case '"':
		p.pos += 2
		return `"`, nil
	case 'a':
		p.pos += 2
		return "\x07", nil
	case 'b':
		p.pos += 2
		return "\x08", nil
	case 'f':
		p.pos += 2
		return "\x0c", nil
	case 'n':
		p.pos += 2
		return "\n", nil
	case 'r':
		p.pos += 2
		return "\r", nil
	case 't':
		p.pos += 2
		return "\t", nil
	case 'v':
		p.pos += 2
		return "\x0b", nil
	case 'x':
		hex := ""
		for i := 2; i < 4; i++ {
			h := p.peekAt(i)
			if !isHexDigit(h) {
				p.pos += i
				return "", p.errorf("two hex digits")
			}
			hex += string(h)
		}
		n, _ := strconv.ParseUint(hex, 16, 32)
		p.pos += 4
		return string(rune(n)), nil
	default:
		if c >= '0' && c <= '7' {
			octal := string(c)
			for i := 2; i < 4; i++ {
				o := p.peekAt(1 + i)
				if o < '0' || o > '7' {
					break
				}
				octal += string(o)
			}
			n, _ := strconv.ParseUint(octal, 8, 32)
			p.pos += 1 + len(octal)
			return string(rune(n)), nil
		}
		p.pos++
		return `\`, nil
	}
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (p *valueParser) parseQuotedString() (string, *ParseError) {
	quote := p.peek()
	if quote != '\'' && quote != '"' {
		return "", p.errorf("a quoted string")
	}
	p.pos++
	var sb strings.Builder
	for {
		if p.atEnd() {
			return "", p.errorf(fmt.Sprintf("the closing quote %c", quote))
		}
		c := p.peek()
		if c == quote {
			p.pos++
			return sb.String(), nil
		}
		if c == '\\' {
			escaped, perr := p.parseEscape()
			if perr != nil {
				return "", perr
			}
			sb.WriteString(escaped)
			continue
		}
		sb.WriteByte(c)
		p.pos++
	}
}

// parseUnquotedString consumes the rest of the input as a bare string,
// still honoring escape sequences.
func (p *valueParser) parseUnquotedString() (string, *ParseError) {
	var sb strings.Builder
	for !p.atEnd() {
		if p.peek() == '\\' {
			escaped, perr := p.parseEscape()
			if perr != nil {
				return "", perr
			}
			sb.WriteString(escaped)
			continue
		}
		sb.WriteByte(p.peek())
		p.pos++
	}
	return sb.String(), nil
}

// parseItems parses a bracketed or parenthesized sequence of items
// with optional trailing comma.
func parseItems[T any](p *valueParser, parseItem func(*valueParser) (T, *ParseError)) ([]T, *ParseError) {
	var closer byte
	switch p.peek() {
	case '[':
		closer = ']'
	case '(':
		closer = ')'
	default:
		return nil, p.errorf("the start of a list indicated by '[' or '('")
	}
	p.pos++
	items := []T{}
	for {
		p.skipWhitespace()
		if p.peek() == closer {
			p.pos++
			return items, nil
		}
		item, perr := parseItem(p)
		if perr != nil {
			return nil, perr
		}
		items = append(items, item)
		p.skipWhitespace()
		switch p.peek() {
		case ',':
			p.pos++
		case closer:
			p.pos++
			return items, nil
		default:
			return nil, p.errorf(fmt.Sprintf("\",\" or the end of the list indicated by '%c'", closer))
		}
	}
}

// looksLikeListSyntax reports whether the input starts with the list
// edit syntax rather than a bare scalar.
func looksLikeListSyntax(input string) bool {
	if input == "" {
		return false
	}
	c := input[0]
	if c == '[' || c == '(' || isValueWhitespace(c) {
		return true
	}
	if c == '+' || c == '-' {
		rest := strings.TrimLeft(input[1:], " \n\r\t")
		if rest != "" && (rest[0] == '[' || rest[0] == '(') {
			return true
		}
	}
	return false
}

func parseScalarListEdits[T comparable](p *valueParser, parseItem func(*valueParser) (T, *ParseError)) ([]ListEdit[T], *ParseError) {
	// A value without list syntax is an implicit Add of a singleton.
	if !looksLikeListSyntax(p.input) {
		item, perr := parseItem(p)
		if perr == nil {
			perr = p.expectEnd()
		}
		if perr != nil {
			return nil, perr
		}
		return []ListEdit[T]{{Action: ListEditAdd, Items: []T{item}}}, nil
	}

	p.skipWhitespace()
	if c := p.peek(); c == '[' || c == '(' {
		items, perr := parseItems(p, parseItem)
		if perr == nil {
			p.skipWhitespace()
			perr = p.expectEnd()
		}
		if perr != nil {
			return nil, perr
		}
		return []ListEdit[T]{{Action: ListEditReplace, Items: items}}, nil
	}

	var edits []ListEdit[T]
	for {
		p.skipWhitespace()
		var action ListEditAction
		switch p.peek() {
		case '+':
			action = ListEditAdd
		case '-':
			action = ListEditRemove
		default:
			return nil, p.errorf("a list edit action of '+' indicating `add` or '-' indicating `remove`")
		}
		p.pos++
		p.skipWhitespace()
		items, perr := parseItems(p, parseItem)
		if perr != nil {
			return nil, perr
		}
		edits = append(edits, ListEdit[T]{Action: action, Items: items})
		p.skipWhitespace()
		if p.atEnd() {
			return edits, nil
		}
		if p.peek() != ',' {
			return nil, p.errorf("\",\" or the end of the value")
		}
		p.pos++
	}
}

func (p *valueParser) parseDict() (map[string]any, *ParseError) {
	if p.peek() != '{' {
		return nil, p.errorf("the start of a dict indicated by '{' or '+{'")
	}
	p.pos++
	items := map[string]any{}
	for {
		p.skipWhitespace()
		if p.peek() == '}' {
			p.pos++
			return items, nil
		}
		key, perr := p.parseQuotedString()
		if perr != nil {
			return nil, perr
		}
		p.skipWhitespace()
		if p.peek() != ':' {
			return nil, p.errorf("\":\" separating the key from its value")
		}
		p.pos++
		value, perr := p.parseVal()
		if perr != nil {
			return nil, perr
		}
		items[key] = value
		p.skipWhitespace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return items, nil
		default:
			return nil, p.errorf("\",\" or the end of the dict indicated by '}'")
		}
	}
}

// parseVal parses a heterogeneous value as embedded in dicts: bool,
// int64, float64, string, []any or map[string]any.
func (p *valueParser) parseVal() (any, *ParseError) {
	p.skipWhitespace()
	switch c := p.peek(); {
	case c == '\'' || c == '"':
		return p.parseQuotedString()
	case c == '{':
		return p.parseDict()
	case c == '[' || c == '(':
		items, perr := parseItems(p, func(p *valueParser) (any, *ParseError) {
			return p.parseVal()
		})
		if perr != nil {
			return nil, perr
		}
		return items, nil
	case c == '+' || c == '-' || isDigit(c):
		mark := p.pos
		if f, perr := p.parseFloat(); perr == nil {
			return f, nil
		}
		p.pos = mark
		return p.parseInt()
	default:
		return p.parseBool()
	}
}

func renderErr[T any](value T, perr *ParseError) (T, error) {
	if perr != nil {
		var zero T
		return zero, perr
	}
	return value, nil
}

// ParseBool parses a case-insensitive boolean.
func ParseBool(value string) (bool, error) {
	p := &valueParser{input: value, typeName: "bool"}
	b, perr := p.parseBool()
	if perr == nil {
		perr = p.expectEnd()
	}
	return renderErr(b, perr)
}

// ParseInt parses a decimal integer, allowing underscore separators.
func ParseInt(value string) (int64, error) {
	p := &valueParser{input: value, typeName: "int"}
	i, perr := p.parseInt()
	if perr == nil {
		perr = p.expectEnd()
	}
	return renderErr(i, perr)
}

// ParseFloat parses a float literal. An integer literal is not
// accepted; callers coerce separately.
func ParseFloat(value string) (float64, error) {
	p := &valueParser{input: value, typeName: "float"}
	f, perr := p.parseFloat()
	if perr == nil {
		perr = p.expectEnd()
	}
	return renderErr(f, perr)
}

// ParseBoolListEdits parses a bool list value into edits.
func ParseBoolListEdits(value string) ([]ListEdit[bool], error) {
	p := &valueParser{input: value, typeName: "bool list"}
	edits, perr := parseScalarListEdits(p, func(p *valueParser) (bool, *ParseError) {
		return p.parseBool()
	})
	return renderErr(edits, perr)
}

// ParseIntListEdits parses an int list value into edits.
func ParseIntListEdits(value string) ([]ListEdit[int64], error) {
	p := &valueParser{input: value, typeName: "int list"}
	edits, perr := parseScalarListEdits(p, func(p *valueParser) (int64, *ParseError) {
		return p.parseInt()
	})
	return renderErr(edits, perr)
}

// ParseFloatListEdits parses a float list value into edits.
func ParseFloatListEdits(value string) ([]ListEdit[float64], error) {
	p := &valueParser{input: value, typeName: "float list"}
	edits, perr := parseScalarListEdits(p, func(p *valueParser) (float64, *ParseError) {
		return p.parseFloat()
	})
	return renderErr(edits, perr)
}

// ParseStringListEdits parses a string list value into edits. List
// items must be quoted; a value without list syntax is an implicit Add
// of itself, so that --foo=bar appends "bar".
func ParseStringListEdits(value string) ([]ListEdit[string], error) {
	if value == "" {
		return []ListEdit[string]{{Action: ListEditAdd, Items: []string{""}}}, nil
	}
	p := &valueParser{input: value, typeName: "string list"}
	if !looksLikeListSyntax(value) {
		item, perr := p.parseUnquotedString()
		if perr != nil {
			return nil, perr
		}
		return []ListEdit[string]{{Action: ListEditAdd, Items: []string{item}}}, nil
	}
	edits, perr := parseScalarListEdits(p, func(p *valueParser) (string, *ParseError) {
		return p.parseQuotedString()
	})
	return renderErr(edits, perr)
}

// ParseDictEdit parses a dict value. A "+" prefix indicates an Add
// that merges into lower-precedence state; otherwise the dict replaces
// it.
func ParseDictEdit(value string) (DictEdit, error) {
	p := &valueParser{input: value, typeName: "dict"}
	p.skipWhitespace()
	action := DictEditReplace
	if p.peek() == '+' {
		action = DictEditAdd
		p.pos++
	}
	items, perr := p.parseDict()
	if perr == nil {
		p.skipWhitespace()
		perr = p.expectEnd()
	}
	return renderErr(DictEdit{Action: action, Items: items}, perr)
}
