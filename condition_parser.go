package authz

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCondition parses the compact condition grammar into a condition
// group. It accepts what ConditionGroup.String() renders, plus symbol
// aliases for authoring by hand:
//
//	subject.user_type eq "CUSTOMER" && resource.owner_id neq subject.user_id
//	context.mfa_verified exists || (action.name in ["read", "list"] && resource.type == "lease")
//	subject.metadata.department == "engineering"
//
// Operators use their canonical names (eq, neq, gt, gte, lt, lte, in, nin,
// contains, ncontains, starts, ends, matches, time_between, ip_in_range)
// or the symbols ==, !=, >, >=, <, <=. The unary forms are "exists",
// "is_owner" and "in_org_hierarchy". A bare dotted path on the right-hand
// side becomes a cross-bag reference. "and"/"or" work in place of
// "&&"/"||".
func ParseCondition(input string) (*ConditionGroup, error) {
	p := &condParser{input: input}
	p.skipSpace()
	if p.eof() {
		return &ConditionGroup{Logic: LogicAnd}, nil
	}
	group, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("authz: unexpected %q at offset %d", p.rest(12), p.pos)
	}
	return group, nil
}

type condParser struct {
	input string
	pos   int
}

func (p *condParser) eof() bool { return p.pos >= len(p.input) }

func (p *condParser) rest(n int) string {
	r := p.input[p.pos:]
	if len(r) > n {
		r = r[:n]
	}
	return r
}

func (p *condParser) skipSpace() {
	for !p.eof() {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *condParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

// consumeSymbol matches a literal operator like "&&" at the cursor.
func (p *condParser) consumeSymbol(sym string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], sym) {
		p.pos += len(sym)
		return true
	}
	return false
}

// consumeKeyword matches a word with a boundary check, so "or" does not eat
// the front of "org_id".
func (p *condParser) consumeKeyword(word string) bool {
	p.skipSpace()
	end := p.pos + len(word)
	if end > len(p.input) || p.input[p.pos:end] != word {
		return false
	}
	if end < len(p.input) && isWordChar(p.input[end]) {
		return false
	}
	p.pos = end
	return true
}

func isWordChar(b byte) bool {
	return b == '_' || b == '.' || b == ':' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (p *condParser) parseOr() (*ConditionGroup, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	members := []*ConditionGroup{first}
	for p.consumeSymbol("||") || p.consumeKeyword("or") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		members = append(members, next)
	}
	if len(members) == 1 {
		return first, nil
	}
	return combine(LogicOr, members), nil
}

func (p *condParser) parseAnd() (*ConditionGroup, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	members := []*ConditionGroup{first}
	for p.consumeSymbol("&&") || p.consumeKeyword("and") {
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		members = append(members, next)
	}
	if len(members) == 1 {
		return first, nil
	}
	return combine(LogicAnd, members), nil
}

// combine flattens single-condition members into the parent so the parsed
// tree stays as shallow as the source text. Empty members ("true") stay as
// vacuous subgroups; the evaluator treats those as satisfied.
func combine(logic ConditionLogic, members []*ConditionGroup) *ConditionGroup {
	out := &ConditionGroup{Logic: logic}
	for _, m := range members {
		if len(m.Groups) == 0 && len(m.Conditions) == 1 {
			out.Conditions = append(out.Conditions, m.Conditions[0])
			continue
		}
		out.Groups = append(out.Groups, m)
	}
	return out
}

func (p *condParser) parseUnary() (*ConditionGroup, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		group, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("authz: missing ')' at offset %d", p.pos)
		}
		p.pos++
		return group, nil
	}
	if p.consumeKeyword("true") {
		return &ConditionGroup{Logic: LogicAnd}, nil
	}
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	return &ConditionGroup{Logic: LogicAnd, Conditions: []*PolicyCondition{cond}}, nil
}

func (p *condParser) parseCondition() (*PolicyCondition, error) {
	source, attribute, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	op, unary, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	cond := &PolicyCondition{Source: source, Attribute: attribute, Operator: op}
	if unary {
		return cond, nil
	}
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	cond.Value = value
	return cond, nil
}

func (p *condParser) parsePath() (ConditionSource, string, error) {
	p.skipSpace()
	word := p.readWord()
	if word == "" {
		return "", "", fmt.Errorf("authz: expected attribute path at offset %d", p.pos)
	}
	dot := strings.Index(word, ".")
	if dot < 0 {
		return "", "", fmt.Errorf("authz: attribute path %q needs a bag prefix (subject, action, resource, context)", word)
	}
	source := ConditionSource(word[:dot])
	switch source {
	case SourceSubject, SourceAction, SourceResource, SourceContext:
	default:
		return "", "", fmt.Errorf("authz: unknown attribute bag %q", word[:dot])
	}
	return source, word[dot+1:], nil
}

func (p *condParser) readWord() string {
	start := p.pos
	for !p.eof() && isWordChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

var symbolOps = []struct {
	sym string
	op  ConditionOperator
}{
	{">=", OpGte},
	{"<=", OpLte},
	{"==", OpEq},
	{"!=", OpNeq},
	{">", OpGt},
	{"<", OpLt},
}

var wordOps = map[string]ConditionOperator{
	"eq":           OpEq,
	"neq":          OpNeq,
	"gt":           OpGt,
	"gte":          OpGte,
	"lt":           OpLt,
	"lte":          OpLte,
	"in":           OpIn,
	"nin":          OpNin,
	"contains":     OpContains,
	"ncontains":    OpNcontains,
	"starts":       OpStarts,
	"ends":         OpEnds,
	"matches":      OpMatches,
	"time_between": OpTimeBetween,
	"ip_in_range":  OpIPInRange,
}

var unaryOps = map[string]ConditionOperator{
	"exists":           OpExists,
	"is_owner":         OpIsOwner,
	"in_org_hierarchy": OpInOrgHierarchy,
}

func (p *condParser) parseOperator() (ConditionOperator, bool, error) {
	p.skipSpace()
	for _, s := range symbolOps {
		if strings.HasPrefix(p.input[p.pos:], s.sym) {
			p.pos += len(s.sym)
			return s.op, false, nil
		}
	}
	start := p.pos
	word := p.readWord()
	if op, ok := unaryOps[word]; ok {
		return op, true, nil
	}
	if op, ok := wordOps[word]; ok {
		return op, false, nil
	}
	p.pos = start
	return "", false, fmt.Errorf("authz: unknown operator %q at offset %d", word, start)
}

func (p *condParser) parseValue() (any, error) {
	p.skipSpace()
	switch {
	case p.peek() == '"':
		return p.parseQuoted()
	case p.peek() == '[':
		return p.parseList()
	case p.peek() == '-' || (p.peek() >= '0' && p.peek() <= '9'):
		return p.parseNumber()
	}
	word := p.readWord()
	switch word {
	case "":
		return nil, fmt.Errorf("authz: expected value at offset %d", p.pos)
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	// a bare dotted path reads the value from another bag at eval time
	if dot := strings.Index(word, "."); dot > 0 {
		switch ConditionSource(word[:dot]) {
		case SourceSubject, SourceAction, SourceResource, SourceContext:
			return &Ref{Ref: word}, nil
		}
	}
	return nil, fmt.Errorf("authz: unquoted value %q; quote strings or reference a bag path", word)
}

func (p *condParser) parseQuoted() (string, error) {
	start := p.pos
	p.pos++ // opening quote
	for !p.eof() {
		switch p.input[p.pos] {
		case '\\':
			p.pos += 2
		case '"':
			p.pos++
			s, err := strconv.Unquote(p.input[start:p.pos])
			if err != nil {
				return "", fmt.Errorf("authz: bad string literal at offset %d: %w", start, err)
			}
			return s, nil
		default:
			p.pos++
		}
	}
	return "", fmt.Errorf("authz: unterminated string at offset %d", start)
}

func (p *condParser) parseList() (any, error) {
	p.pos++ // '['
	values := make([]any, 0, 4)
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return values, nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return values, nil
		default:
			return nil, fmt.Errorf("authz: expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *condParser) parseNumber() (any, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	for !p.eof() {
		b := p.input[p.pos]
		if (b >= '0' && b <= '9') || b == '.' {
			p.pos++
			continue
		}
		break
	}
	text := p.input[start:p.pos]
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("authz: bad number %q at offset %d", text, start)
	}
	return f, nil
}
