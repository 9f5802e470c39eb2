package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// parsePyLiteral parses the repr of Python dicts, lists, tuples, strings,
// numbers, booleans and None as written by older result files. Calls such as
// array([...], dtype=float32) or np.float64(0.5) evaluate to their first
// argument. Dicts become map[string]any, lists and tuples []any, integers
// int64 and other numbers float64.
func parsePyLiteral(src string) (any, error) {
	p := &pyParser{src: src}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input")
	}
	return v, nil
}

type pyParser struct {
	src string
	pos int
	// bare accepts unknown identifiers as strings, for skipped arguments.
	bare bool
}

func (p *pyParser) errorf(format string, args ...any) error {
	return fmt.Errorf("python literal at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *pyParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *pyParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *pyParser) value() (any, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == 0:
		return nil, p.errorf("unexpected end")
	case c == '{':
		return p.dict()
	case c == '[':
		p.pos++
		return p.sequence(']')
	case c == '(':
		p.pos++
		return p.sequence(')')
	case c == '\'' || c == '"':
		return p.str()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case c == '_' || unicode.IsLetter(rune(c)):
		return p.name()
	default:
		return nil, p.errorf("unexpected %q", c)
	}
}

func (p *pyParser) dict() (any, error) {
	p.pos++
	out := map[string]any{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		key, err := p.value()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':'")
		}
		p.pos++
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		out[fmt.Sprint(key)] = val
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
	}
}

func (p *pyParser) sequence(end byte) ([]any, error) {
	out := []any{}
	for {
		p.skipSpace()
		if p.peek() == end {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case end:
		default:
			return nil, p.errorf("expected ',' or %q", end)
		}
	}
}

func (p *pyParser) str() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		p.pos++
		switch {
		case c == quote:
			return sb.String(), nil
		case c == '\\' && p.pos < len(p.src):
			e := p.src[p.pos]
			p.pos++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'x':
				if p.pos+2 > len(p.src) {
					return "", p.errorf("short \\x escape")
				}
				n, err := strconv.ParseUint(p.src[p.pos:p.pos+2], 16, 8)
				if err != nil {
					return "", p.errorf("bad \\x escape")
				}
				sb.WriteByte(byte(n))
				p.pos += 2
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *pyParser) number() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && strings.IndexByte("+-0123456789.eE_", p.src[p.pos]) >= 0 {
		p.pos++
	}
	text := strings.ReplaceAll(p.src[start:p.pos], "_", "")
	// -inf and -nan
	if (text == "-" || text == "+") && unicode.IsLetter(rune(p.peek())) {
		v, err := p.name()
		if err != nil {
			return nil, err
		}
		f, ok := v.(float64)
		if !ok {
			return nil, p.errorf("sign before %v", v)
		}
		if text == "-" {
			f = -f
		}
		return f, nil
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, p.errorf("bad number %q", text)
	}
	return f, nil
}

func (p *pyParser) name() (any, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if c != '_' && c != '.' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			break
		}
		p.pos++
	}
	ident := p.src[start:p.pos]
	p.skipSpace()
	if p.peek() == '(' {
		return p.call(ident)
	}
	switch ident {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	case "nan", "NaN":
		return math.NaN(), nil
	case "inf", "Infinity":
		return math.Inf(1), nil
	}
	if p.bare {
		return ident, nil
	}
	return nil, p.errorf("unknown name %q", ident)
}

// call evaluates to the first positional argument and skips the rest,
// including keyword arguments.
func (p *pyParser) call(ident string) (any, error) {
	p.pos++
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return nil, p.errorf("%s() without arguments", ident)
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case ')':
			p.pos++
			return first, nil
		case ',':
			p.pos++
			p.skipSpace()
			if p.peek() == ')' {
				continue
			}
			if err := p.skipArgument(); err != nil {
				return nil, err
			}
		default:
			return nil, p.errorf("expected ',' or ')' in %s(...)", ident)
		}
	}
}

// skipArgument skips "name=value" or a positional value.
func (p *pyParser) skipArgument() error {
	save := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '_' || unicode.IsLetter(rune(p.src[p.pos])) || unicode.IsDigit(rune(p.src[p.pos]))) {
		p.pos++
	}
	p.skipSpace()
	if p.peek() == '=' {
		p.pos++
	} else {
		p.pos = save
	}
	p.bare = true
	_, err := p.value()
	p.bare = false
	return err
}
