package guardrail

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenString
	tokenNumber
	tokenSymbol
)

type token struct {
	kind   tokenKind
	text   string // lowercased for identifiers, raw otherwise
	quoted bool   // true for "double quoted" identifiers
	pos    int
}

func (t token) is(word string) bool {
	return t.kind == tokenIdent && !t.quoted && t.text == word
}

func (t token) isAny(words ...string) bool {
	for _, w := range words {
		if t.is(w) {
			return true
		}
	}
	return false
}

// lex splits a single SQL statement into tokens. Comments are dropped.
// String literals are kept as opaque tokens so that keywords inside them
// never trigger policy rules.
func lex(sql string) ([]token, error) {
	var toks []token
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4
		case c == '\'':
			start := i
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated string literal at offset %d", start)
				}
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			toks = append(toks, token{kind: tokenString, text: sql[start:i], pos: start})
		case c == '"':
			start := i
			i++
			for i < n && sql[i] != '"' {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", start)
			}
			i++
			toks = append(toks, token{kind: tokenIdent, text: sql[start+1 : i-1], quoted: true, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(sql[i])) {
				i++
			}
			toks = append(toks, token{kind: tokenIdent, text: strings.ToLower(sql[start:i]), pos: start})
		case c >= '0' && c <= '9':
			start := i
			for i < n && (isIdentPart(rune(sql[i])) || sql[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokenNumber, text: sql[start:i], pos: start})
		default:
			toks = append(toks, token{kind: tokenSymbol, text: string(c), pos: i})
			i++
		}
	}
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
