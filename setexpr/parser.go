// Package setexpr parses the set expressions that form the local part of an
// incoming recipient address. A set expression combines mailing list names
// and individual identifiers with _|_ for union, _&_ for intersection and
// _-_ for difference. Curly braces { } parenthesize subexpressions and are
// required whenever different operators appear at the same level:
//
//	sf_&_{dog_|_cat}        San Franciscans who own a dog or a cat.
//	{sf_&_dog}_|_cat        San Franciscan dog owners, and all cat owners.
//	sf_&_dog_|_cat          INVALID due to missing parenthesization.
//	sf_&_dog_&_cat          Fine: one operator type needs no braces.
//	sf_-_dog_-_cat          Set difference is left associative.
//
// The implementation is a small Pratt parser: each token carries a binding
// power and two parse rules, one for when it starts a construct ("nud") and
// one for when it appears after another construct ("led").
package setexpr

import (
	"fmt"
	"regexp"
	"strings"
)

// SyntaxError describes a set expression that could not be parsed. Its text
// is returned to the SMTP client verbatim as the recipient rejection reason,
// so it must make sense to the person who sent the message.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string {
	return e.Msg
}

func syntaxErrorf(format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...)}
}

// Resolver turns a leaf token (a mailing list name or an individual
// identifier) into a subject-tag symbol and the set of recipient addresses
// it stands for.
type Resolver func(leaf string) (symbol string, addrs Set, err error)

// Parse evaluates the local part of a recipient address as a set expression.
// It returns the subject tag built out of the symbols supplied by the
// resolver and the resulting set of recipient addresses.
//
// Addresses containing no set operation at all are treated like plain
// mailing list addresses: the tag is the capitalized address and an empty
// result set is not an error. This keeps the server usable as a drop-in
// replacement in front of ordinary list names. For real set expressions an
// empty result is rejected, since sending mail to nobody is almost
// certainly a mistake the sender wants to hear about.
func Parse(resolve Resolver, address string) (string, Set, error) {
	tokens, err := tokenize(resolve, address)
	if err != nil {
		return "", nil, err
	}

	result, err := expression(&tokenStream{tokens: tokens}, 0)
	if err != nil {
		return "", nil, err
	}

	tag, addrs := result.tag, result.addrs
	if vanilla(address) {
		tag = strings.ToUpper(address[:1]) + strings.ToLower(address[1:])
	} else if len(addrs) == 0 {
		return "", nil, &SyntaxError{Msg: "No recipients match this set expression"}
	}
	return tag, addrs, nil
}

// vanilla reports whether the address contains no set operation syntax.
func vanilla(address string) bool {
	for _, op := range []string{"_|_", "_&_", "_-_", "{", "}"} {
		if strings.Contains(address, op) {
			return false
		}
	}
	return true
}

// node is a parsed (sub)expression: the subject tag accumulated so far, the
// evaluated address set, and the token at the root of the subexpression. The
// root token is kept so operators can decide whether the tag of an argument
// needs parentheses.
type node struct {
	tag   string
	addrs Set
	tok   token
}

type token interface {
	// lbp is the left binding power: the higher the value, the tighter
	// the token binds to the tokens that follow it.
	lbp() int
	// nud parses the token when it starts a language construct.
	nud(ts *tokenStream) (node, error)
	// led parses the token when it appears inside a language construct,
	// combining it with the construct to its left.
	led(ts *tokenStream, left node) (node, error)
}

// expression parses the token stream while the adjoining operators bind more
// tightly than rbp. It additionally enforces the parenthesization rule:
// different operators may not be mixed at one level of an expression.
func expression(ts *tokenStream, rbp int) (node, error) {
	cur, err := ts.next().nud(ts)
	if err != nil {
		return node{}, err
	}

	// Track the most recent adjoining operator so mixing can be detected.
	var prevOp *opToken
	for rbp < ts.peek().lbp() {
		if next, ok := ts.peek().(*opToken); ok && prevOp != nil && prevOp.symbol != next.symbol {
			return node{}, &SyntaxError{Msg: "Parentheses required when mixing different operators"}
		}

		t := ts.next()
		if op, ok := t.(*opToken); ok {
			prevOp = op
		}
		cur, err = t.led(ts, cur)
		if err != nil {
			return node{}, err
		}
	}
	return cur, nil
}

// tokenStream supports peeking at the next token without consuming it. The
// tokenizer always appends an end-of-input token, which has the lowest
// binding power of all tokens and therefore stops every expression loop.
type tokenStream struct {
	tokens []token
	pos    int
}

func (ts *tokenStream) peek() token {
	if ts.pos >= len(ts.tokens) {
		return endToken{}
	}
	return ts.tokens[ts.pos]
}

func (ts *tokenStream) next() token {
	t := ts.peek()
	ts.pos++
	return t
}

var tokenPattern = regexp.MustCompile(
	`([A-Za-z0-9]+(?:[_.-][A-Za-z0-9]+)*)` + // leaf token
		`|(_[|&-]_|\{|\})` + // operator or brace
		`|(.)`) // anything else (error)

// tokenize splits the address into tokens, resolving every leaf through the
// resolver as it goes. Character positions are tracked so syntax errors can
// point at the offending spot.
func tokenize(resolve Resolver, address string) ([]token, error) {
	var tokens []token
	pos := 1
	for _, m := range tokenPattern.FindAllStringSubmatch(address, -1) {
		leaf, op := m[1], m[2]
		switch {
		case leaf != "":
			symbol, addrs, err := resolve(leaf)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &leafToken{name: symbol, addrs: addrs})
		case op == "_|_":
			tokens = append(tokens, &opToken{
				name:   "union",
				symbol: "|",
				apply:  Set.Union,
				assoc:  true,
			})
		case op == "_&_":
			tokens = append(tokens, &opToken{
				name:   "intersection",
				symbol: "&",
				apply:  Set.Intersect,
				assoc:  true,
			})
		case op == "_-_":
			// Difference is not associative: A-B-C != A-(B-C).
			tokens = append(tokens, &opToken{
				name:   "difference",
				symbol: "-",
				apply:  Set.Diff,
				assoc:  false,
			})
		case op == "{":
			tokens = append(tokens, leftParenToken{})
		case op == "}":
			tokens = append(tokens, rightParenToken{})
		default:
			return nil, syntaxErrorf("Unrecognized syntax near character %d", pos)
		}
		pos += len(leaf) + len(op)
	}
	return append(tokens, endToken{}), nil
}

// leafToken is a mailing list name or individual identifier, already
// resolved to its subject-tag symbol and address set.
type leafToken struct {
	name  string
	addrs Set
}

func (t *leafToken) lbp() int { return 3 }

func (t *leafToken) nud(ts *tokenStream) (node, error) {
	return node{tag: t.name, addrs: t.addrs, tok: t}, nil
}

func (t *leafToken) led(ts *tokenStream, left node) (node, error) {
	return node{}, &SyntaxError{Msg: "Misplaced list or person name"}
}

// opToken is a union, intersection or difference operator.
type opToken struct {
	name   string
	symbol string
	apply  func(a, b Set) Set
	assoc  bool
}

func (t *opToken) lbp() int { return 2 }

func (t *opToken) nud(ts *tokenStream) (node, error) {
	return node{}, syntaxErrorf("Misplaced %s operator", t.name)
}

func (t *opToken) led(ts *tokenStream, left node) (node, error) {
	right, err := expression(ts, t.lbp())
	if err != nil {
		return node{}, err
	}
	return node{
		tag:   t.combineTags(left, right),
		addrs: t.apply(left.addrs, right.addrs),
		tok:   t,
	}, nil
}

func (t *opToken) combineTags(left, right node) string {
	// Parentheses can always be omitted on the left; on the right only
	// when the operator is associative.
	return t.parenthesize(left, true) + t.symbol + t.parenthesize(right, t.assoc)
}

// parenthesize wraps the argument's tag in parentheses when omitting them
// would change the meaning of the expression, e.g. the right-hand B-C in
// A-(B-C).
func (t *opToken) parenthesize(arg node, leftOrAssoc bool) string {
	if arg.tok.lbp() > t.lbp() {
		// Binds tighter than this operator; no ambiguity without parens.
		return arg.tag
	}
	if op, ok := arg.tok.(*opToken); ok && op.symbol == t.symbol && leftOrAssoc {
		return arg.tag
	}
	return "(" + arg.tag + ")"
}

type leftParenToken struct{}

func (t leftParenToken) lbp() int { return 1 }

func (t leftParenToken) nud(ts *tokenStream) (node, error) {
	expr, err := expression(ts, t.lbp())
	if err != nil {
		return node{}, err
	}
	if _, ok := ts.peek().(rightParenToken); !ok {
		return node{}, &SyntaxError{Msg: "Unmatched opening parenthesis"}
	}
	ts.next()
	return expr, nil
}

func (t leftParenToken) led(ts *tokenStream, left node) (node, error) {
	return node{}, &SyntaxError{Msg: "Misplaced opening parenthesis"}
}

// rightParenToken is consumed by the nud of its matching opening brace; its
// own parse rules only ever report errors.
type rightParenToken struct{}

func (t rightParenToken) lbp() int { return 1 }

func (t rightParenToken) nud(ts *tokenStream) (node, error) {
	return node{}, &SyntaxError{Msg: "Misplaced closing parenthesis"}
}

func (t rightParenToken) led(ts *tokenStream, left node) (node, error) {
	return node{}, &SyntaxError{Msg: "Unmatched closing parenthesis"}
}

// endToken terminates the stream. Its binding power is lower than every
// other token's, so it is never consumed by an operator.
type endToken struct{}

func (t endToken) lbp() int { return 0 }

func (t endToken) nud(ts *tokenStream) (node, error) {
	return node{}, &SyntaxError{Msg: "Unexpected end of expression"}
}

func (t endToken) led(ts *tokenStream, left node) (node, error) {
	return node{}, &SyntaxError{Msg: "Unexpected end of expression"}
}
