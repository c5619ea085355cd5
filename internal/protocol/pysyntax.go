package protocol

import (
	"fmt"
	"strings"
	"unicode"
)

// CheckPython performs a structural syntax check of a Python 3 source file:
// tokens, string literals, bracket balance, indentation blocks, compound
// statement headers, annotation targets, and operand adjacency. It accepts
// every file the CPython parser accepts that uses common syntax and rejects
// YAML and free text, which is all the format sniffer needs.
func CheckPython(src string) error {
	toks, err := tokenize(src)
	if err != nil {
		return err
	}
	return checkLines(splitLogicalLines(toks))
}

type tokKind int

const (
	tokName tokKind = iota
	tokKeyword
	tokNumber
	tokString
	tokOp
	tokNewline
)

type token struct {
	kind   tokKind
	text   string
	line   int
	indent int
}

var pyKeywords = map[string]bool{
	"and": true, "as": true, "assert": true, "async": true, "await": true,
	"break": true, "class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "nonlocal": true, "not": true, "or": true,
	"pass": true, "raise": true, "return": true, "try": true, "while": true,
	"with": true, "yield": true,
}

// Keyword constants behave as operands.
var pyConstants = map[string]bool{"True": true, "False": true, "None": true}

// Soft keywords only act as keywords at the start of a statement.
var pySoftKeywords = map[string]bool{"match": true, "case": true, "type": true}

var blockOpeners = map[string]bool{
	"if": true, "elif": true, "else": true, "for": true, "while": true,
	"try": true, "except": true, "finally": true, "with": true, "def": true,
	"class": true, "async": true, "match": true, "case": true,
}

var threeCharOps = []string{"**=", "//=", ">>=", "<<=", "..."}

var twoCharOps = []string{
	"**", "//", "<<", ">>", "<=", ">=", "==", "!=", "->", ":=",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
}

const oneCharOps = "+-*/%@&|^~<>=.,:;()[]{}"

type lexer struct {
	src    []rune
	pos    int
	line   int
	depth  []rune
	toks   []token
	bol    bool
	indent int
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: []rune(strings.ReplaceAll(src, "\r\n", "\n")), line: 1, bol: true}
	for lx.pos < len(lx.src) {
		if err := lx.next(); err != nil {
			return nil, err
		}
	}
	if len(lx.depth) > 0 {
		return nil, fmt.Errorf("line %d: unclosed %q", lx.line, string(lx.depth[len(lx.depth)-1]))
	}
	lx.emit(tokNewline, "")
	return lx.toks, nil
}

func (lx *lexer) emit(kind tokKind, text string) {
	lx.toks = append(lx.toks, token{kind: kind, text: text, line: lx.line, indent: lx.indent})
	if kind != tokNewline {
		lx.bol = false
	}
}

func (lx *lexer) next() error {
	r := lx.src[lx.pos]
	if lx.bol && len(lx.depth) == 0 {
		lx.indent = lx.measureIndent()
		if lx.pos >= len(lx.src) {
			return nil
		}
		r = lx.src[lx.pos]
		switch r {
		case '\n':
			lx.pos++
			lx.line++
			return nil
		case '#':
			lx.skipToLineEnd()
			return nil
		}
	}
	switch {
	case r == '\n':
		lx.pos++
		if len(lx.depth) == 0 {
			lx.emit(tokNewline, "")
			lx.bol = true
		}
		lx.line++
		return nil
	case r == ' ' || r == '\t' || r == '\f' || r == '\r':
		lx.pos++
		return nil
	case r == '#':
		lx.skipToLineEnd()
		return nil
	case r == '\\':
		if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
			lx.pos += 2
			lx.line++
			return nil
		}
		return fmt.Errorf("line %d: unexpected character after line continuation", lx.line)
	case r == '"' || r == '\'':
		return lx.readString()
	case isIdentStart(r):
		return lx.readName()
	case unicode.IsDigit(r) || (r == '.' && lx.pos+1 < len(lx.src) && unicode.IsDigit(lx.src[lx.pos+1])):
		return lx.readNumber()
	default:
		return lx.readOp()
	}
}

func (lx *lexer) measureIndent() int {
	width := 0
	for lx.pos < len(lx.src) {
		switch lx.src[lx.pos] {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		case '\f':
			width = 0
		default:
			return width
		}
		lx.pos++
	}
	return width
}

func (lx *lexer) skipToLineEnd() {
	for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
		lx.pos++
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

func (lx *lexer) readName() error {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.pos++
	}
	word := string(lx.src[start:lx.pos])
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == '"' || lx.src[lx.pos] == '\'') && isStringPrefix(word) {
		return lx.readString()
	}
	if pyKeywords[word] {
		lx.emit(tokKeyword, word)
	} else {
		lx.emit(tokName, word)
	}
	return nil
}

func isStringPrefix(word string) bool {
	switch strings.ToLower(word) {
	case "r", "u", "b", "f", "br", "rb", "fr", "rf":
		return true
	}
	return false
}

func (lx *lexer) readString() error {
	startLine := lx.line
	quote := lx.src[lx.pos]
	triple := lx.pos+2 < len(lx.src) && lx.src[lx.pos+1] == quote && lx.src[lx.pos+2] == quote
	if triple {
		lx.pos += 3
	} else {
		lx.pos++
	}
	for lx.pos < len(lx.src) {
		r := lx.src[lx.pos]
		switch {
		case r == '\\':
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.line++
			}
			lx.pos += 2
			continue
		case r == '\n':
			if !triple {
				return fmt.Errorf("line %d: unterminated string literal", startLine)
			}
			lx.line++
		case r == quote:
			if !triple {
				lx.pos++
				lx.emit(tokString, "str")
				return nil
			}
			if lx.pos+2 < len(lx.src) && lx.src[lx.pos+1] == quote && lx.src[lx.pos+2] == quote {
				lx.pos += 3
				lx.emit(tokString, "str")
				return nil
			}
		}
		lx.pos++
	}
	return fmt.Errorf("line %d: unterminated string literal", startLine)
}

func (lx *lexer) readNumber() error {
	start := lx.pos
scan:
	for lx.pos < len(lx.src) {
		r := lx.src[lx.pos]
		switch {
		case isIdentPart(r) || r == '.':
			lx.pos++
		case (r == '+' || r == '-') && lx.pos > start && isExponent(lx.src[start:lx.pos]):
			lx.pos++
		default:
			break scan
		}
	}
	text := string(lx.src[start:lx.pos])
	if !validNumber(text) {
		return fmt.Errorf("line %d: invalid number literal %q", lx.line, text)
	}
	lx.emit(tokNumber, text)
	return nil
}

func isExponent(prefix []rune) bool {
	last := prefix[len(prefix)-1]
	if last != 'e' && last != 'E' {
		return false
	}
	s := strings.ToLower(string(prefix))
	return !strings.HasPrefix(s, "0x")
}

func validNumber(text string) bool {
	s := strings.ToLower(strings.ReplaceAll(text, "_", ""))
	if strings.HasPrefix(s, "0x") {
		return len(s) > 2 && strings.Trim(s[2:], "0123456789abcdef") == ""
	}
	if strings.HasPrefix(s, "0o") {
		return len(s) > 2 && strings.Trim(s[2:], "01234567") == ""
	}
	if strings.HasPrefix(s, "0b") {
		return len(s) > 2 && strings.Trim(s[2:], "01") == ""
	}
	s = strings.TrimSuffix(s, "j")
	mantissa, exp, hasExp := strings.Cut(s, "e")
	if hasExp {
		exp = strings.TrimLeft(exp, "+-")
		if exp == "" || strings.Trim(exp, "0123456789") != "" {
			return false
		}
	}
	if strings.Count(mantissa, ".") > 1 {
		return false
	}
	digits := strings.ReplaceAll(mantissa, ".", "")
	return digits != "" && strings.Trim(digits, "0123456789") == ""
}

func (lx *lexer) readOp() error {
	rest := string(lx.src[lx.pos:min(lx.pos+3, len(lx.src))])
	for _, op := range threeCharOps {
		if strings.HasPrefix(rest, op) {
			lx.pos += 3
			lx.emit(tokOp, op)
			return nil
		}
	}
	for _, op := range twoCharOps {
		if strings.HasPrefix(rest, op) {
			lx.pos += 2
			lx.emit(tokOp, op)
			return nil
		}
	}
	r := lx.src[lx.pos]
	if !strings.ContainsRune(oneCharOps, r) {
		return fmt.Errorf("line %d: invalid character %q", lx.line, r)
	}
	switch r {
	case '(', '[', '{':
		lx.depth = append(lx.depth, r)
	case ')', ']', '}':
		open := map[rune]rune{')': '(', ']': '[', '}': '{'}[r]
		if len(lx.depth) == 0 || lx.depth[len(lx.depth)-1] != open {
			return fmt.Errorf("line %d: unmatched %q", lx.line, string(r))
		}
		lx.depth = lx.depth[:len(lx.depth)-1]
	}
	lx.pos++
	lx.emit(tokOp, string(r))
	return nil
}

type logicalLine struct {
	toks   []token
	indent int
	line   int
}

func splitLogicalLines(toks []token) []logicalLine {
	var lines []logicalLine
	var cur []token
	for _, t := range toks {
		if t.kind == tokNewline {
			if len(cur) > 0 {
				lines = append(lines, logicalLine{toks: cur, indent: cur[0].indent, line: cur[0].line})
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	return lines
}

func checkLines(lines []logicalLine) error {
	stack := []int{0}
	expectBlock := false
	for _, ln := range lines {
		top := stack[len(stack)-1]
		switch {
		case expectBlock:
			if ln.indent <= top {
				return fmt.Errorf("line %d: expected an indented block", ln.line)
			}
			stack = append(stack, ln.indent)
		case ln.indent > top:
			return fmt.Errorf("line %d: unexpected indent", ln.line)
		case ln.indent < top:
			for len(stack) > 1 && stack[len(stack)-1] > ln.indent {
				stack = stack[:len(stack)-1]
			}
			if stack[len(stack)-1] != ln.indent {
				return fmt.Errorf("line %d: unindent does not match any outer indentation level", ln.line)
			}
		}
		opens, err := checkStatement(ln)
		if err != nil {
			return err
		}
		expectBlock = opens
	}
	if expectBlock {
		return fmt.Errorf("unexpected end of file: expected an indented block")
	}
	return nil
}

// checkStatement validates one logical line and reports whether it opens an
// indented block.
func checkStatement(ln logicalLine) (bool, error) {
	toks := ln.toks
	head := toks[0]
	if head.kind == tokOp && head.text == "@" {
		return false, checkOperands(ln)
	}
	if err := checkOperands(ln); err != nil {
		return false, err
	}
	last := toks[len(toks)-1]
	endsBlock := last.kind == tokOp && last.text == ":"
	compound := head.kind == tokKeyword && blockOpeners[head.text] ||
		head.kind == tokName && (head.text == "match" || head.text == "case") && endsBlock && len(toks) > 2
	if endsBlock {
		if !compound {
			return false, fmt.Errorf("line %d: invalid syntax", ln.line)
		}
		return true, nil
	}
	if last.kind == tokOp && danglingOp(last.text) {
		return false, fmt.Errorf("line %d: invalid syntax", ln.line)
	}
	if !compound {
		return false, checkAnnotation(ln)
	}
	return false, nil
}

func danglingOp(op string) bool {
	switch op {
	case ")", "]", "}", ",", ";", "...":
		return false
	}
	return true
}

// checkOperands rejects two operands written side by side, such as
// "My Protocol" or "1 2", which no Python expression allows.
func checkOperands(ln logicalLine) error {
	var prev *token
	for i := range ln.toks {
		t := &ln.toks[i]
		if prev != nil && isOperand(*prev) && isOperand(*t) {
			if !(prev.kind == tokString && t.kind == tokString) && !softKeywordLead(*prev, i-1) {
				return fmt.Errorf("line %d: invalid syntax near %q", t.line, t.text)
			}
		}
		prev = t
	}
	return nil
}

func softKeywordLead(t token, idx int) bool {
	return idx == 0 && t.kind == tokName && pySoftKeywords[t.text]
}

func isOperand(t token) bool {
	switch t.kind {
	case tokName, tokNumber, tokString:
		return true
	case tokKeyword:
		return false
	}
	return false
}

// checkAnnotation validates simple statements that contain a top-level ':'
// (annotated assignments). The target must be a name, attribute or
// subscript.
func checkAnnotation(ln logicalLine) error {
	depth := 0
	colon := -1
	for i, t := range ln.toks {
		if t.kind == tokKeyword && t.text == "lambda" && depth == 0 {
			return nil
		}
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth == 0 && colon < 0 {
				colon = i
			}
		}
	}
	if colon < 0 {
		return nil
	}
	target := ln.toks[:colon]
	if len(target) == 0 || target[0].kind != tokName && !(target[0].kind == tokOp && target[0].text == "(") {
		return fmt.Errorf("line %d: illegal target for annotation", ln.line)
	}
	depth = 0
	for _, t := range target[1:] {
		if depth > 0 {
			switch t.text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			}
			continue
		}
		switch {
		case t.kind == tokOp && (t.text == "[" || t.text == "("):
			depth++
		case t.kind == tokOp && t.text == ".":
		case t.kind == tokName:
		default:
			return fmt.Errorf("line %d: illegal target for annotation", ln.line)
		}
	}
	return nil
}
