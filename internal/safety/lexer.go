package safety

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokPunct
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// upper returns the keyword form of a bare word
func (t token) upper() string {
	return strings.ToUpper(t.text)
}

func (t token) isWord(words ...string) bool {
	if t.kind != tokWord {
		return false
	}
	u := t.upper()
	for _, w := range words {
		if u == w {
			return true
		}
	}
	return false
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// isName reports whether the token can be part of an object name
func (t token) isName() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

// tokenize splits PostgreSQL text into tokens. Comments are dropped and
// string literals are kept as single opaque tokens. Any construct that is
// left open (string, quoted identifier, comment, dollar quote) is an error.
func tokenize(sql string) ([]token, error) {
	src := []rune(sql)
	var tokens []token

	for i := 0; i < len(src); {
		r := src[i]

		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && peek(src, i+1) == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case r == '/' && peek(src, i+1) == '*':
			end, err := skipBlockComment(src, i)
			if err != nil {
				return nil, err
			}
			i = end

		case r == '\'':
			end, err := scanQuoted(src, i, '\'', false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: string(src[i:end]), pos: i})
			i = end

		case (r == 'E' || r == 'e') && peek(src, i+1) == '\'':
			end, err := scanQuoted(src, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: string(src[i:end]), pos: i})
			i = end

		case r == '"':
			end, err := scanQuoted(src, i, '"', false)
			if err != nil {
				return nil, err
			}
			ident := strings.ReplaceAll(string(src[i+1:end-1]), `""`, `"`)
			tokens = append(tokens, token{kind: tokQuotedIdent, text: ident, pos: i})
			i = end

		case r == '$':
			if tag, ok := dollarTag(src, i); ok {
				end, err := scanDollarQuoted(src, i, tag)
				if err != nil {
					return nil, err
				}
				tokens = append(tokens, token{kind: tokString, text: string(src[i:end]), pos: i})
				i = end
				continue
			}
			tokens = append(tokens, token{kind: tokPunct, text: "$", pos: i})
			i++

		case r == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i})
			i++

		case (r == 'U' || r == 'u') && peek(src, i+1) == '&' && (peek(src, i+2) == '"' || peek(src, i+2) == '\''):
			return nil, fmt.Errorf("unicode escape literal at position %d is not supported", i)

		case isIdentStart(r):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokWord, text: string(src[start:i]), pos: start})

		case unicode.IsDigit(r):
			start := i
			for i < len(src) && (unicode.IsDigit(src[i]) || src[i] == '.' || unicode.IsLetter(src[i])) {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(src[start:i]), pos: start})

		default:
			tokens = append(tokens, token{kind: tokPunct, text: string(r), pos: i})
			i++
		}
	}

	return tokens, nil
}

func peek(src []rune, i int) rune {
	if i < len(src) {
		return src[i]
	}
	return 0
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// skipBlockComment returns the index just past a (possibly nested) block comment
func skipBlockComment(src []rune, start int) (int, error) {
	depth := 0
	for i := start; i < len(src); i++ {
		switch {
		case src[i] == '/' && peek(src, i+1) == '*':
			depth++
			i++
		case src[i] == '*' && peek(src, i+1) == '/':
			depth--
			i++
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated block comment at position %d", start)
}

// scanQuoted returns the index just past a quoted run opened at start.
// A doubled quote character is an escaped quote. backslash enables
// C-style escapes (E'...' strings).
func scanQuoted(src []rune, start int, quote rune, backslash bool) (int, error) {
	for i := start + 1; i < len(src); i++ {
		if backslash && src[i] == '\\' {
			i++
			continue
		}
		if src[i] == quote {
			if peek(src, i+1) == quote {
				i++
				continue
			}
			return i + 1, nil
		}
	}
	if quote == '"' {
		return 0, fmt.Errorf("unterminated quoted identifier at position %d", start)
	}
	return 0, fmt.Errorf("unterminated string literal at position %d", start)
}

// dollarTag recognises the opening delimiter of a dollar-quoted string ($$ or $tag$)
func dollarTag(src []rune, start int) (string, bool) {
	i := start + 1
	if i < len(src) && src[i] == '$' {
		return "$$", true
	}
	if i >= len(src) || !isIdentStart(src[i]) {
		return "", false
	}
	for i < len(src) && (src[i] == '_' || unicode.IsLetter(src[i]) || unicode.IsDigit(src[i])) {
		i++
	}
	if i < len(src) && src[i] == '$' {
		return string(src[start : i+1]), true
	}
	return "", false
}

func scanDollarQuoted(src []rune, start int, tag string) (int, error) {
	body := string(src[start+len([]rune(tag)):])
	idx := strings.Index(body, tag)
	if idx < 0 {
		return 0, fmt.Errorf("unterminated dollar-quoted string at position %d", start)
	}
	return start + len([]rune(tag)) + len([]rune(body[:idx])) + len([]rune(tag)), nil
}
