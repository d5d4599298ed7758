// Package guardrail enforces the static safety policy for SQL sent to the
// analytic engine: exactly one read-only statement, every physical table
// qualified by the configured prefix, and a row limit injected when absent.
// Validation is a pure function over text and policy; it never talks to the
// engine.
package guardrail

import (
	"fmt"
	"strconv"
	"strings"
)

// Reason enumerates why a candidate statement was rejected.
type Reason string

const (
	ReasonMultipleStatements Reason = "MULTIPLE_STATEMENTS"
	ReasonNonSelect          Reason = "NON_SELECT"
	ReasonForbiddenVerb      Reason = "FORBIDDEN_VERB"
	ReasonPrefixViolation    Reason = "PREFIX_VIOLATION"
	ReasonParseError         Reason = "PARSE_ERROR"
)

// Rejection reports the first policy rule a statement violated.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}

func reject(reason Reason, format string, args ...any) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Policy is the fixed safety policy a statement is checked against.
type Policy struct {
	// TablePrefix is the schema qualifier every physical table reference
	// must carry, e.g. "files" for files.tickets.
	TablePrefix string
	// DefaultRowLimit is appended as a LIMIT clause when the statement has
	// no row-limiting clause of its own.
	DefaultRowLimit int
}

const fallbackRowLimit = 1000

// forbiddenVerbs are rejected anywhere in the statement, not only in verb
// position. An unquoted identifier that happens to collide with one of these
// is rejected too; that is deliberate strictness.
var forbiddenVerbs = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true,
	"alter": true, "drop": true, "create": true, "truncate": true,
	"grant": true, "revoke": true, "replace": true, "attach": true,
	"detach": true, "copy": true, "call": true, "exec": true,
	"execute": true, "vacuum": true, "pragma": true, "set": true,
}

// clauseKeywords are identifiers that may legally precede an opening paren
// without making it a function call.
var clauseKeywords = map[string]bool{
	"select": true, "where": true, "from": true, "join": true, "on": true,
	"and": true, "or": true, "not": true, "in": true, "exists": true,
	"as": true, "all": true, "any": true, "some": true, "by": true,
	"having": true, "then": true, "else": true, "when": true, "case": true,
	"between": true, "like": true, "ilike": true, "is": true,
	"distinct": true, "lateral": true, "using": true, "values": true,
}

// fromEnders terminate the comma-separated reference list of a FROM clause.
var fromEnders = map[string]bool{
	"where": true, "group": true, "having": true, "order": true,
	"limit": true, "offset": true, "window": true, "fetch": true,
	"for": true, "on": true, "using": true,
}

// Validate checks a candidate statement against the policy. On success it
// returns the statement text, amended with an injected LIMIT clause when the
// original had no row-limiting clause. On failure the returned error is a
// *Rejection carrying the first violated rule.
func Validate(sqlText string, pol Policy) (string, error) {
	stmt := strings.TrimSpace(sqlText)
	// A single trailing separator is tolerated and stripped.
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if stmt == "" {
		return "", reject(ReasonParseError, "empty statement")
	}

	toks, err := lex(stmt)
	if err != nil {
		return "", reject(ReasonParseError, "%v", err)
	}
	if len(toks) == 0 {
		return "", reject(ReasonParseError, "empty statement")
	}

	depth := 0
	for _, t := range toks {
		if t.kind != tokenSymbol {
			continue
		}
		switch t.text {
		case ";":
			return "", reject(ReasonMultipleStatements, "statement separator at offset %d", t.pos)
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return "", reject(ReasonParseError, "unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return "", reject(ReasonParseError, "unbalanced parentheses")
	}

	cte, err := checkStatementType(toks)
	if err != nil {
		return "", err
	}

	for _, t := range toks {
		if t.kind == tokenIdent && !t.quoted && forbiddenVerbs[t.text] {
			return "", reject(ReasonForbiddenVerb, "%q is not allowed", t.text)
		}
	}

	if err := checkTablePrefixes(toks, cte, pol.TablePrefix); err != nil {
		return "", err
	}

	if hasRowLimit(toks) {
		return stmt, nil
	}
	limit := pol.DefaultRowLimit
	if limit <= 0 {
		limit = fallbackRowLimit
	}
	return stmt + "\nLIMIT " + strconv.Itoa(limit), nil
}

// checkStatementType enforces the read-only shape: a SELECT, optionally
// preceded by a non-recursive CTE list, with no set combinators and no
// SELECT ... INTO. It returns the set of CTE-defined names, which are exempt
// from the prefix rule.
func checkStatementType(toks []token) (map[string]bool, error) {
	cte := map[string]bool{}
	body := 0
	switch {
	case toks[0].is("select"):
	case toks[0].is("with"):
		var err error
		body, err = parseCTEHeader(toks, cte)
		if err != nil {
			return nil, err
		}
		if body >= len(toks) || !toks[body].is("select") {
			return nil, reject(ReasonNonSelect, "CTE body is not a SELECT")
		}
	default:
		return nil, reject(ReasonNonSelect, "statement does not begin with SELECT")
	}

	for _, t := range toks[body:] {
		if t.isAny("union", "except", "intersect") {
			return nil, reject(ReasonNonSelect, "set combinator %q is not allowed", t.text)
		}
		if t.is("into") {
			return nil, reject(ReasonNonSelect, "SELECT INTO is not allowed")
		}
	}
	return cte, nil
}

// parseCTEHeader walks `WITH name [(cols)] AS (...) [, ...]` and records each
// CTE name. It returns the index of the first token after the header.
func parseCTEHeader(toks []token, cte map[string]bool) (int, error) {
	i := 1
	if i < len(toks) && toks[i].is("recursive") {
		return 0, reject(ReasonNonSelect, "recursive CTE is not allowed")
	}
	for {
		if i >= len(toks) || toks[i].kind != tokenIdent {
			return 0, reject(ReasonParseError, "malformed CTE header")
		}
		cte[strings.ToLower(toks[i].text)] = true
		i++
		if i < len(toks) && toks[i].kind == tokenSymbol && toks[i].text == "(" {
			var err error
			i, err = skipParens(toks, i)
			if err != nil {
				return 0, err
			}
		}
		if i >= len(toks) || !toks[i].is("as") {
			return 0, reject(ReasonParseError, "expected AS in CTE header")
		}
		i++
		// NOT MATERIALIZED / MATERIALIZED hints.
		if i < len(toks) && toks[i].is("not") {
			i++
		}
		if i < len(toks) && toks[i].is("materialized") {
			i++
		}
		if i >= len(toks) || toks[i].kind != tokenSymbol || toks[i].text != "(" {
			return 0, reject(ReasonParseError, "expected ( after AS in CTE header")
		}
		var err error
		i, err = skipParens(toks, i)
		if err != nil {
			return 0, err
		}
		if i < len(toks) && toks[i].kind == tokenSymbol && toks[i].text == "," {
			i++
			continue
		}
		return i, nil
	}
}

func skipParens(toks []token, open int) (int, error) {
	depth := 0
	for i := open; i < len(toks); i++ {
		if toks[i].kind != tokenSymbol {
			continue
		}
		switch toks[i].text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, reject(ReasonParseError, "unbalanced parentheses")
}

// checkTablePrefixes verifies every table reference in FROM/JOIN position.
// CTE names are exempt; so are table functions (identifier directly followed
// by an argument list). FROM keywords inside function calls such as
// extract(month FROM ts) are ignored.
func checkTablePrefixes(toks []token, cte map[string]bool, prefix string) error {
	if prefix == "" {
		return nil
	}
	want := strings.ToLower(prefix)

	type frame struct{ call bool }
	var stack []frame
	// fromDepths tracks every open FROM reference list by paren depth, so a
	// subquery in FROM does not clobber the outer list's state.
	var fromDepths []int

	fromOpen := func() bool {
		return len(fromDepths) > 0 && fromDepths[len(fromDepths)-1] == len(stack)
	}

	checkRef := func(start int) (int, error) {
		// start points at the first identifier of a dotted reference.
		parts := []token{toks[start]}
		i := start + 1
		for i+1 < len(toks) && toks[i].kind == tokenSymbol && toks[i].text == "." && toks[i+1].kind == tokenIdent {
			parts = append(parts, toks[i+1])
			i += 2
		}
		// Table function, not a physical table.
		if len(parts) == 1 && i < len(toks) && toks[i].kind == tokenSymbol && toks[i].text == "(" {
			return i, nil
		}
		if len(parts) == 1 {
			name := strings.ToLower(parts[0].text)
			if cte[name] {
				return i, nil
			}
			return i, reject(ReasonPrefixViolation, "table %q is not qualified by %q", parts[0].text, prefix)
		}
		if strings.ToLower(parts[0].text) != want {
			return i, reject(ReasonPrefixViolation, "table %q is not qualified by %q", joinRef(parts), prefix)
		}
		return i, nil
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokenSymbol {
			switch t.text {
			case "(":
				call := i > 0 && toks[i-1].kind == tokenIdent && !toks[i-1].quoted && !clauseKeywords[toks[i-1].text]
				stack = append(stack, frame{call: call})
			case ")":
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				for len(fromDepths) > 0 && fromDepths[len(fromDepths)-1] > len(stack) {
					fromDepths = fromDepths[:len(fromDepths)-1]
				}
			case ",":
				if fromOpen() && i+1 < len(toks) && toks[i+1].kind == tokenIdent {
					next, err := checkRef(i + 1)
					if err != nil {
						return err
					}
					i = next - 1
				}
			}
			continue
		}
		if t.kind != tokenIdent {
			continue
		}
		inCall := len(stack) > 0 && stack[len(stack)-1].call
		switch {
		case t.is("from") && !inCall:
			if !fromOpen() {
				fromDepths = append(fromDepths, len(stack))
			}
			if i+1 < len(toks) && toks[i+1].kind == tokenIdent {
				next, err := checkRef(i + 1)
				if err != nil {
					return err
				}
				i = next - 1
			}
		case t.is("join"):
			if i+1 < len(toks) && toks[i+1].kind == tokenIdent && !toks[i+1].is("lateral") {
				next, err := checkRef(i + 1)
				if err != nil {
					return err
				}
				i = next - 1
			}
		case fromOpen() && fromEnders[t.text]:
			fromDepths = fromDepths[:len(fromDepths)-1]
		}
	}
	return nil
}

func joinRef(parts []token) string {
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.text
	}
	return strings.Join(names, ".")
}

// hasRowLimit reports whether the statement already carries a top-level
// LIMIT or FETCH FIRST clause. CTE bodies and subqueries sit inside parens,
// so a depth-0 scan only sees the outermost query.
func hasRowLimit(toks []token) bool {
	depth := 0
	for _, t := range toks {
		if t.kind == tokenSymbol {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth == 0 && t.isAny("limit", "fetch") {
			return true
		}
	}
	return false
}
