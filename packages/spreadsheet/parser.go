package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/efp"
)

// ParserContext provides context for resolving references while parsing
type ParserContext struct {
	CurrentWorksheetID uint32
	ResolveWorksheet   func(name string) uint32
}

// ParseError reports formula text that could not be lowered
type ParseError struct {
	Formula string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Formula, e.Message)
}

// Parser lowers efp tokens into an Expr with precedence climbing:
// comparison < & < + - < * / < ^ < % < prefix -
type Parser struct {
	formula string
	tokens  []efp.Token
	pos     int
	context *ParserContext
}

// ParseFormula turns formula text, with or without the leading "=", into a
// lowered expression. references are resolved against the context.
func ParseFormula(text string, context *ParserContext) (Expr, error) {
	formula := strings.TrimSpace(text)
	if !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}
	p := &Parser{formula: formula, context: context}
	if strings.Count(formula, `"`)%2 != 0 {
		return nil, p.errorf("unterminated string")
	}
	ps := efp.ExcelParser()
	p.tokens = ps.Parse(rewriteSpillRefs(formula))
	return p.Parse()
}

// rewriteSpillRefs turns the spill operator A1# into ANCHORARRAY(A1), the
// form Excel itself stores, since the tokenizer reads # as an error literal
func rewriteSpillRefs(formula string) string {
	if !strings.Contains(formula, "#") {
		return formula
	}
	var sb strings.Builder
	inString, inSheet := false, false
	refStart := -1
	for i := 0; i < len(formula); i++ {
		ch := formula[i]
		switch {
		case inString:
			inString = ch != '"'
		case ch == '"':
			inString = true
		case ch == '\'':
			if !inSheet && refStart < 0 {
				refStart = i
			}
			inSheet = !inSheet
		case inSheet:
		case isLetter(ch) || isDigit(ch) || ch == '$' || ch == '!' || ch == '_' || ch == '.':
			if refStart < 0 {
				refStart = i
			}
		case ch == '#' && refStart >= 0:
			ref := formula[refStart:i]
			cell := ref[strings.LastIndex(ref, "!")+1:]
			if _, _, ok := parseA1(cell); ok {
				s := sb.String()
				sb.Reset()
				sb.WriteString(s[:len(s)-len(ref)])
				sb.WriteString("ANCHORARRAY(" + ref + ")")
				refStart = -1
				continue
			}
			refStart = -1
		default:
			refStart = -1
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

func (p *Parser) errorf(format string, args ...any) error {
	return &ParseError{Formula: p.formula, Message: fmt.Sprintf(format, args...)}
}

// Parse parses the whole token stream
func (p *Parser) Parse() (Expr, error) {
	if len(p.tokens) == 0 {
		return nil, p.errorf("empty formula")
	}
	expr, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, p.errorf("unexpected token %q", p.tokens[p.pos].TValue)
	}
	return expr, nil
}

func (p *Parser) peek() (efp.Token, bool) {
	if p.pos >= len(p.tokens) {
		return efp.Token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *Parser) peekIs(tokenType, subType string) bool {
	tok, ok := p.peek()
	return ok && tok.TType == tokenType && tok.TSubType == subType
}

var comparisonOps = map[string]BinaryOp{
	"=":  BinOpEqual,
	"<>": BinOpNotEqual,
	"<":  BinOpLess,
	"<=": BinOpLessEqual,
	">":  BinOpGreater,
	">=": BinOpGreaterEqual,
}

// parseBinary parses a left-associative level whose operators are listed in
// ops, with next as the tighter level
func (p *Parser) parseBinary(ops map[string]BinaryOp, next func() (Expr, error)) (Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeOperatorInfix {
			return left, nil
		}
		if tok.TSubType == efp.TokenSubTypeIntersection || tok.TSubType == efp.TokenSubTypeUnion {
			return nil, p.errorf("reference operator %q is not supported", tok.TValue)
		}
		op, match := ops[tok.TValue]
		if !match {
			return left, nil
		}
		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseComparison() (Expr, error) {
	return p.parseBinary(comparisonOps, p.parseConcatenation)
}

func (p *Parser) parseConcatenation() (Expr, error) {
	return p.parseBinary(map[string]BinaryOp{"&": BinOpConcat}, p.parseAddition)
}

func (p *Parser) parseAddition() (Expr, error) {
	return p.parseBinary(map[string]BinaryOp{"+": BinOpAdd, "-": BinOpSubtract}, p.parseMultiplication)
}

func (p *Parser) parseMultiplication() (Expr, error) {
	return p.parseBinary(map[string]BinaryOp{"*": BinOpMultiply, "/": BinOpDivide}, p.parsePower)
}

func (p *Parser) parsePower() (Expr, error) {
	return p.parseBinary(map[string]BinaryOp{"^": BinOpPower}, p.parseUnary)
}

// parseUnary handles prefix signs. negation binds tighter than ^, so -2^2
// is 4.
func (p *Parser) parseUnary() (Expr, error) {
	tok, ok := p.peek()
	if ok && tok.TType == efp.TokenTypeOperatorPrefix {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.TValue == "+" {
			return operand, nil
		}
		return &UnaryExpr{Op: UnaryOpMinus, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeOperatorPostfix || tok.TValue != "%" {
			return expr, nil
		}
		p.pos++
		expr = &UnaryExpr{Op: UnaryOpPercent, Operand: expr}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of formula")
	}
	switch tok.TType {
	case efp.TokenTypeOperand:
		p.pos++
		return p.parseOperand(tok)
	case efp.TokenTypeSubexpression:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, p.errorf("unexpected ')'")
		}
		p.pos++
		expr, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if !p.peekIs(efp.TokenTypeSubexpression, efp.TokenSubTypeStop) {
			return nil, p.errorf("expected ')'")
		}
		p.pos++
		return expr, nil
	case efp.TokenTypeFunction:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, p.errorf("unexpected ')'")
		}
		return p.parseFunction()
	}
	return nil, p.errorf("unexpected token %q", tok.TValue)
}

func (p *Parser) parseOperand(tok efp.Token) (Expr, error) {
	switch tok.TSubType {
	case efp.TokenSubTypeNumber:
		f, err := strconv.ParseFloat(tok.TValue, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", tok.TValue)
		}
		return &NumberExpr{Value: f}, nil
	case efp.TokenSubTypeText:
		return &TextExpr{Value: tok.TValue}, nil
	case efp.TokenSubTypeLogical:
		return &BoolExpr{Value: strings.EqualFold(tok.TValue, "TRUE")}, nil
	case efp.TokenSubTypeError:
		code, ok := parseErrorCode(tok.TValue)
		if !ok {
			return nil, p.errorf("unknown error literal %q", tok.TValue)
		}
		return &ErrorExpr{Code: code}, nil
	case efp.TokenSubTypeRange:
		return p.parseReference(tok.TValue)
	}
	return nil, p.errorf("unexpected operand %q", tok.TValue)
}

// function name prefixes written by newer Excel versions
var functionPrefixes = []string{"_xlfn.", "_xlws.", "_xlpm."}

// normalizeParamName strips the _xlpm. marker files put on LAMBDA and LET
// parameters
func normalizeParamName(name string) string {
	const prefix = "_xlpm."
	if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
		return name[len(prefix):]
	}
	return name
}

func normalizeFunctionName(name string) string {
	for _, prefix := range functionPrefixes {
		if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
			name = name[len(prefix):]
		}
	}
	return strings.ToUpper(name)
}

// parseArguments reads comma-separated arguments up to the closing token.
// omitted arguments become MissingExpr.
func (p *Parser) parseArguments() ([]Expr, error) {
	var args []Expr
	if p.peekIs(efp.TokenTypeFunction, efp.TokenSubTypeStop) {
		p.pos++
		return args, nil
	}
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, p.errorf("unclosed function call")
		}
		if tok.TType == efp.TokenTypeArgument || (tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop) {
			args = append(args, &MissingExpr{})
		} else {
			arg, err := p.parseComparison()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		tok, ok = p.peek()
		switch {
		case !ok:
			return nil, p.errorf("unclosed function call")
		case tok.TType == efp.TokenTypeArgument:
			p.pos++
		case tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop:
			p.pos++
			return args, nil
		default:
			return nil, p.errorf("expected ',' or ')' but found %q", tok.TValue)
		}
	}
}

func (p *Parser) parseFunction() (Expr, error) {
	name := normalizeFunctionName(p.tokens[p.pos].TValue)
	p.pos++
	if name == "ARRAY" {
		return p.parseArray()
	}
	args, err := p.parseArguments()
	if err != nil {
		return nil, err
	}
	switch name {
	case "LAMBDA":
		return p.lowerLambda(args)
	case "LET":
		return p.lowerLet(args)
	case "ANCHORARRAY":
		if len(args) != 1 {
			return nil, p.errorf("ANCHORARRAY takes one cell")
		}
		cell, ok := args[0].(*CellRefExpr)
		if !ok {
			return nil, p.errorf("spill references need a single anchor cell")
		}
		return &SpillRefExpr{Anchor: cell.Addr}, nil
	}
	return &CallExpr{Name: name, Args: args}, nil
}

// parseArray reads an array constant, which the tokenizer presents as an
// ARRAY call over ARRAYROW calls
func (p *Parser) parseArray() (Expr, error) {
	array := &ArrayExpr{}
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeFunction || tok.TSubType != efp.TokenSubTypeStart ||
			normalizeFunctionName(tok.TValue) != "ARRAYROW" {
			return nil, p.errorf("malformed array constant")
		}
		p.pos++
		row, err := p.parseArguments()
		if err != nil {
			return nil, err
		}
		if len(row) == 0 || (len(array.Rows) > 0 && len(row) != len(array.Rows[0])) {
			return nil, p.errorf("array constant rows must have equal, non-zero length")
		}
		array.Rows = append(array.Rows, row)

		tok, ok = p.peek()
		switch {
		case !ok:
			return nil, p.errorf("unclosed array constant")
		case tok.TType == efp.TokenTypeArgument:
			p.pos++
		case tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop:
			p.pos++
			return array, nil
		default:
			return nil, p.errorf("malformed array constant")
		}
	}
}

func (p *Parser) lowerLambda(args []Expr) (Expr, error) {
	if len(args) == 0 {
		return nil, p.errorf("LAMBDA needs a body")
	}
	params := make([]string, len(args)-1)
	for i, arg := range args[:len(args)-1] {
		name, ok := arg.(*NameRefExpr)
		if !ok {
			return nil, p.errorf("LAMBDA parameter %d is not a name", i+1)
		}
		params[i] = name.Name
	}
	return &LambdaExpr{Params: params, Body: args[len(args)-1]}, nil
}

func (p *Parser) lowerLet(args []Expr) (Expr, error) {
	if len(args) < 3 || len(args)%2 == 0 {
		return nil, p.errorf("LET needs name/value pairs and a body")
	}
	let := &LetExpr{Body: args[len(args)-1]}
	for i := 0; i+1 < len(args); i += 2 {
		name, ok := args[i].(*NameRefExpr)
		if !ok {
			return nil, p.errorf("LET argument %d is not a name", i+1)
		}
		let.Names = append(let.Names, name.Name)
		let.Values = append(let.Values, args[i+1])
	}
	return let, nil
}

// parseReference lowers a reference operand: A1, A1:B2, A:C, 1:3, with an
// optional sheet or [workbook]sheet qualifier, or a defined name.
func (p *Parser) parseReference(text string) (Expr, error) {
	if strings.HasPrefix(text, "[") || strings.HasPrefix(text, "'[") {
		return p.parseExternal(strings.TrimPrefix(text, "'"))
	}
	if bang := strings.LastIndex(text, "!"); bang >= 0 {
		sheet := unquoteSheet(text[:bang])
		if strings.Contains(sheet, ":") {
			return nil, p.errorf("3-D references are only supported for external workbooks")
		}
		worksheetID := p.resolveWorksheet(sheet)
		ref, ok := parseArea(text[bang+1:], worksheetID)
		if !ok {
			return nil, p.errorf("invalid reference %q", text)
		}
		return ref, nil
	}
	if ref, ok := parseArea(text, p.currentWorksheet()); ok {
		return ref, nil
	}
	if name := normalizeParamName(text); isIdentifier(name) {
		return &NameRefExpr{Name: name}, nil
	}
	return nil, p.errorf("invalid reference %q", text)
}

func (p *Parser) parseExternal(text string) (Expr, error) {
	end := strings.Index(text, "]")
	bang := strings.LastIndex(text, "!")
	if end < 0 || bang < end {
		return nil, p.errorf("invalid external reference %q", text)
	}
	ref := ExternalRef{Workbook: text[1:end]}
	sheets := unquoteSheet(text[end+1 : bang])
	if first, last, span := strings.Cut(sheets, ":"); span {
		ref.Sheet, ref.SheetLast = first, last
	} else {
		ref.Sheet = sheets
	}
	if ref.Workbook == "" || ref.Sheet == "" {
		return nil, p.errorf("invalid external reference %q", text)
	}
	area, ok := parseArea(text[bang+1:], 0)
	if !ok {
		return nil, p.errorf("invalid external reference %q", text)
	}
	switch a := area.(type) {
	case *CellRefExpr:
		ref.Range = CellRangeOf(a.Addr)
	case *RangeRefExpr:
		ref.Range = a.Range
	}
	return &ExternalRefExpr{Ref: ref}, nil
}

func (p *Parser) currentWorksheet() uint32 {
	if p.context == nil {
		return 0
	}
	return p.context.CurrentWorksheetID
}

func (p *Parser) resolveWorksheet(name string) uint32 {
	if p.context == nil || p.context.ResolveWorksheet == nil {
		return 0
	}
	return p.context.ResolveWorksheet(name)
}

// unquoteSheet strips 'quotes' around a sheet name and undoubles embedded
// quotes
func unquoteSheet(name string) string {
	if len(name) >= 2 && name[0] == '\'' && name[len(name)-1] == '\'' {
		return strings.ReplaceAll(name[1:len(name)-1], "''", "'")
	}
	return name
}

// parseArea parses the unqualified part of a reference
func parseArea(ref string, worksheetID uint32) (Expr, bool) {
	start, end, isRange := strings.Cut(ref, ":")
	if !isRange {
		row, col, ok := parseA1(ref)
		if !ok {
			return nil, false
		}
		return &CellRefExpr{Addr: CellAddress{WorksheetID: worksheetID, Row: row, Column: col}}, true
	}
	r := RangeAddress{WorksheetID: worksheetID}
	if sr, sc, ok := parseA1(start); ok {
		er, ec, ok := parseA1(end)
		if !ok {
			return nil, false
		}
		r.StartRow, r.StartColumn, r.EndRow, r.EndColumn = sr, sc, er, ec
	} else if sc, ok := parseColumnName(strings.ReplaceAll(start, "$", "")); ok {
		ec, ok := parseColumnName(strings.ReplaceAll(end, "$", ""))
		if !ok {
			return nil, false
		}
		r.StartColumn, r.EndColumn, r.EndRow = sc, ec, MaxRows-1
	} else if sr, ok := parseRowNumber(start); ok {
		er, ok := parseRowNumber(end)
		if !ok {
			return nil, false
		}
		r.StartRow, r.EndRow, r.EndColumn = sr, er, MaxColumns-1
	} else {
		return nil, false
	}
	return &RangeRefExpr{Range: r.normalized()}, true
}

func parseRowNumber(s string) (uint32, bool) {
	s = strings.ReplaceAll(s, "$", "")
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n < 1 || n > uint64(MaxRows) {
		return 0, false
	}
	return uint32(n - 1), true
}

// isIdentifier reports whether text can name a defined name or parameter
func isIdentifier(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case isLetter(ch), ch == '_', ch == '\\', ch >= 0x80:
		case i > 0 && (isDigit(ch) || ch == '.'):
		default:
			return false
		}
	}
	return true
}
