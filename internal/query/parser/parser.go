package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token

	// Construct names a recognised but unsupported SQL feature. It is empty
	// for plain syntax errors.
	Construct string
}

func (e *ParseError) Error() string {
	if e.Construct != "" {
		return fmt.Sprintf("unsupported %s at position %d", e.Construct, e.Position)
	}
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

func unsupported(construct string, tok Token) *ParseError {
	return &ParseError{Message: "unsupported " + construct, Position: tok.Pos, Token: tok, Construct: construct}
}

// toTabulaError converts parse failures to UnsupportedQuery errors carrying
// the position of the offending token.
func toTabulaError(err error) error {
	var pe *ParseError
	if !errors.As(err, &pe) {
		return err
	}
	code := terrors.CodeSyntaxError
	if pe.Construct != "" {
		code = terrors.CodeUnsupportedConstruct
	}
	return terrors.Wrap(terrors.ErrCategoryUnsupportedQuery, code, pe.Error(), pe).
		WithDetails(map[string]interface{}{"position": pe.Position, "token": pe.Token.Literal})
}

// Parser parses SQL statements into AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses the input and returns a Statement. Errors are
// UnsupportedQuery errors with code SYNTAX_ERROR or UNSUPPORTED_CONSTRUCT.
func Parse(input string) (Statement, error) {
	p := NewParser(input)
	stmt, err := p.ParseStatement()
	if err != nil {
		return nil, toTabulaError(err)
	}
	return stmt, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the peek token is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// ParseStatement parses exactly one SQL statement, optionally followed by
// a semicolon.
func (p *Parser) ParseStatement() (Statement, error) {
	switch p.curToken.Type {
	case TokenSelect:
		stmt, err := p.parseSelectStatement()
		if err != nil {
			return nil, err
		}
		if err := p.expectEnd(); err != nil {
			return nil, err
		}
		return stmt, nil
	case TokenReserved:
		return nil, p.reservedError()
	case TokenError:
		return nil, p.lexError()
	default:
		return nil, &ParseError{
			Message:  "expected SELECT",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// expectEnd checks that nothing but an optional semicolon follows the
// statement.
func (p *Parser) expectEnd() error {
	switch p.curToken.Type {
	case TokenEOF:
		return nil
	case TokenSemicolon:
		p.nextToken()
		if p.curTokenIs(TokenEOF) {
			return nil
		}
		return unsupported("multiple statements", p.curToken)
	case TokenReserved:
		return p.reservedError()
	case TokenError:
		return p.lexError()
	default:
		return &ParseError{
			Message:  "unexpected token after statement",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// reservedError describes the unsupported construct introduced by the
// current reserved keyword.
func (p *Parser) reservedError() error {
	switch p.curToken.Literal {
	case "UNION", "INTERSECT", "EXCEPT":
		return unsupported("set operation "+p.curToken.Literal, p.curToken)
	case "WITH":
		return unsupported("common table expression", p.curToken)
	case "OVER":
		return unsupported("window function", p.curToken)
	default:
		return unsupported("JOIN", p.curToken)
	}
}

func (p *Parser) lexError() error {
	return &ParseError{
		Message:  "invalid input",
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// parseSelectStatement parses a SELECT statement.
func (p *Parser) parseSelectStatement() (*SelectStatement, error) {
	stmt := &SelectStatement{}

	// Skip SELECT
	p.nextToken()

	// Check for DISTINCT
	if p.curTokenIs(TokenDistinct) {
		stmt.Distinct = true
		p.nextToken()
	}

	// Parse columns
	columns, err := p.parseSelectColumns()
	if err != nil {
		return nil, err
	}
	stmt.Columns = columns

	// Parse FROM clause
	if !p.curTokenIs(TokenFrom) {
		return nil, &ParseError{
			Message:  "expected FROM",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()
	tableRef, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	stmt.From = tableRef
	switch {
	case p.curTokenIs(TokenComma):
		return nil, unsupported("JOIN", p.curToken)
	case p.curTokenIs(TokenReserved):
		return nil, p.reservedError()
	}

	// Parse WHERE clause
	if p.curTokenIs(TokenWhere) {
		p.nextToken()
		where, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		stmt.Where = where
	}

	// Parse GROUP BY clause
	if p.curTokenIs(TokenGroupBy) {
		p.nextToken()
		// Expect BY after GROUP
		if p.curTokenIs(TokenBy) {
			p.nextToken()
		}
		groupBy, err := p.parseExpressionList()
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = groupBy
	}

	// Parse HAVING clause
	if p.curTokenIs(TokenHaving) {
		p.nextToken()
		having, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		stmt.Having = having
	}

	// Parse ORDER BY clause
	if p.curTokenIs(TokenOrderBy) {
		p.nextToken()
		// Expect BY after ORDER
		if p.curTokenIs(TokenBy) {
			p.nextToken()
		}
		orderBy, err := p.parseOrderByList()
		if err != nil {
			return nil, err
		}
		stmt.OrderBy = orderBy
	}

	// Parse LIMIT clause
	if p.curTokenIs(TokenLimit) {
		p.nextToken()
		if !p.curTokenIs(TokenNumber) {
			return nil, &ParseError{
				Message:  "expected number after LIMIT",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		limit, err := strconv.ParseInt(p.curToken.Literal, 10, 64)
		if err != nil {
			return nil, &ParseError{
				Message:  "invalid LIMIT value",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		stmt.Limit = &limit
		p.nextToken()
	}

	// Parse OFFSET clause
	if p.curTokenIs(TokenOffset) {
		p.nextToken()
		if !p.curTokenIs(TokenNumber) {
			return nil, &ParseError{
				Message:  "expected number after OFFSET",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		offset, err := strconv.ParseInt(p.curToken.Literal, 10, 64)
		if err != nil {
			return nil, &ParseError{
				Message:  "invalid OFFSET value",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		stmt.Offset = &offset
		p.nextToken()
	}

	return stmt, nil
}

// parseSelectColumns parses the column list in a SELECT statement.
func (p *Parser) parseSelectColumns() ([]SelectColumn, error) {
	var columns []SelectColumn

	for {
		col, err := p.parseSelectColumn()
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken() // Skip comma
	}

	return columns, nil
}

// parseSelectColumn parses a single column in the SELECT clause.
func (p *Parser) parseSelectColumn() (SelectColumn, error) {
	col := SelectColumn{}

	// Check for *
	if p.curTokenIs(TokenStar) {
		col.Expr = &StarExpr{}
		p.nextToken()
		return col, nil
	}

	// Parse expression
	expr, err := p.parseExpression(0)
	if err != nil {
		return col, err
	}
	col.Expr = expr

	// Check for alias
	if p.curTokenIs(TokenAs) {
		p.nextToken()
		if !p.curTokenIs(TokenIdent) {
			return col, &ParseError{
				Message:  "expected identifier after AS",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		col.Alias = p.curToken.Literal
		p.nextToken()
	} else if p.curTokenIs(TokenIdent) {
		// Alias without AS
		col.Alias = p.curToken.Literal
		p.nextToken()
	}

	return col, nil
}

// parseTableRef parses a table reference.
func (p *Parser) parseTableRef() (*TableRef, error) {
	if p.curTokenIs(TokenLParen) && p.peekTokenIs(TokenSelect) {
		return nil, unsupported("subquery", p.peekToken)
	}
	if !p.curTokenIs(TokenIdent) {
		return nil, &ParseError{
			Message:  "expected table name",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}

	ref := &TableRef{Name: p.curToken.Literal}
	p.nextToken()

	// Check for alias
	if p.curTokenIs(TokenAs) {
		p.nextToken()
		if !p.curTokenIs(TokenIdent) {
			return nil, &ParseError{
				Message:  "expected identifier after AS",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		ref.Alias = p.curToken.Literal
		p.nextToken()
	} else if p.curTokenIs(TokenIdent) {
		// Alias without AS
		ref.Alias = p.curToken.Literal
		p.nextToken()
	}

	return ref, nil
}

// parseExpressionList parses a comma-separated list of expressions.
func (p *Parser) parseExpressionList() ([]Expression, error) {
	var exprs []Expression

	for {
		expr, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken() // Skip comma
	}

	return exprs, nil
}

// parseOrderByList parses the ORDER BY clause items.
func (p *Parser) parseOrderByList() ([]OrderByClause, error) {
	var clauses []OrderByClause

	for {
		expr, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}

		clause := OrderByClause{Expr: expr}

		// Check for ASC/DESC
		if p.curTokenIs(TokenAsc) {
			p.nextToken()
		} else if p.curTokenIs(TokenDesc) {
			clause.Desc = true
			p.nextToken()
		}

		clauses = append(clauses, clause)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken() // Skip comma
	}

	return clauses, nil
}

// Operator precedence levels
const (
	precLowest  = 0
	precOr      = 1
	precAnd     = 2
	precNot     = 3
	precCompare = 4
	precAdd     = 5
	precMul     = 6
	precUnary   = 7
)

// getPrecedence returns the precedence of the current token.
func (p *Parser) getPrecedence() int {
	switch p.curToken.Type {
	case TokenOr:
		return precOr
	case TokenAnd:
		return precAnd
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe, TokenLike, TokenIn, TokenBetween, TokenIs, TokenNot:
		return precCompare
	case TokenPlus, TokenMinus:
		return precAdd
	case TokenStar, TokenSlash:
		return precMul
	default:
		return precLowest
	}
}

// parseExpression parses an expression with operator precedence.
func (p *Parser) parseExpression(precedence int) (Expression, error) {
	// Parse prefix expression
	left, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	// Parse infix expressions
	for !p.curTokenIs(TokenEOF) && precedence < p.getPrecedence() {
		left, err = p.parseInfixExpression(left)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

// parsePrefixExpression parses a prefix expression.
func (p *Parser) parsePrefixExpression() (Expression, error) {
	switch p.curToken.Type {
	case TokenIdent:
		return p.parseIdentifierOrFunction()
	case TokenNumber:
		return p.parseNumber()
	case TokenString:
		return p.parseString()
	case TokenNull:
		p.nextToken()
		return &Literal{Value: nil}, nil
	case TokenTrue, TokenFalse:
		v := p.curTokenIs(TokenTrue)
		p.nextToken()
		return &Literal{Value: v}, nil
	case TokenCast:
		return p.parseCast()
	case TokenSelect:
		return nil, unsupported("subquery", p.curToken)
	case TokenReserved:
		return nil, p.reservedError()
	case TokenError:
		return nil, p.lexError()
	case TokenLParen:
		return p.parseGroupedExpression()
	case TokenNot:
		return p.parseNotExpression()
	case TokenMinus:
		return p.parseUnaryMinus()
	case TokenCount, TokenSum, TokenAvg, TokenMin, TokenMax:
		return p.parseAggregate()
	case TokenStar:
		star := &StarExpr{}
		p.nextToken()
		return star, nil
	default:
		return nil, &ParseError{
			Message:  "unexpected token in expression",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// parseIdentifierOrFunction parses an identifier, a function call or a
// DATE 'YYYY-MM-DD' literal.
func (p *Parser) parseIdentifierOrFunction() (Expression, error) {
	name := p.curToken.Literal
	quoted := p.curToken.Quoted
	p.nextToken()

	if !quoted && strings.EqualFold(name, "DATE") && p.curTokenIs(TokenString) {
		tok := p.curToken
		d, err := types.ParseDate(tok.Literal)
		if err != nil {
			return nil, &ParseError{
				Message:  "invalid DATE literal",
				Position: tok.Pos,
				Token:    tok,
			}
		}
		p.nextToken()
		return &Literal{Value: d}, nil
	}

	// Check for table.column
	if p.curTokenIs(TokenDot) {
		p.nextToken()
		if p.curTokenIs(TokenStar) {
			// table.*
			star := &StarExpr{Table: name}
			p.nextToken()
			return star, nil
		}
		if !p.curTokenIs(TokenIdent) {
			return nil, &ParseError{
				Message:  "expected column name after dot",
				Position: p.curToken.Pos,
				Token:    p.curToken,
			}
		}
		col := &ColumnRef{Table: name, Column: p.curToken.Literal}
		p.nextToken()
		return col, nil
	}

	// Check for function call
	if p.curTokenIs(TokenLParen) && !quoted {
		call, err := p.parseFunctionCall(name)
		if err != nil {
			return nil, err
		}
		if p.curTokenIs(TokenReserved) && p.curToken.Literal == "OVER" {
			return nil, p.reservedError()
		}
		return call, nil
	}

	// Simple column reference
	return &ColumnRef{Column: name}, nil
}

// parseFunctionCall parses a function call.
func (p *Parser) parseFunctionCall(name string) (Expression, error) {
	p.nextToken() // Skip (

	// Check for aggregate functions
	upperName := strings.ToUpper(name)
	if upperName == "COUNT" || upperName == "SUM" || upperName == "AVG" || upperName == "MIN" || upperName == "MAX" {
		return p.parseAggregateArgs(upperName)
	}

	// Regular function call
	var args []Expression
	if !p.curTokenIs(TokenRParen) {
		for {
			arg, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			if !p.curTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected ) after function arguments",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return &FunctionCall{Name: strings.ToLower(name), Args: args}, nil
}

// parseAggregate parses an aggregate function.
func (p *Parser) parseAggregate() (Expression, error) {
	funcName := p.curToken.Literal
	p.nextToken()

	if !p.curTokenIs(TokenLParen) {
		return nil, &ParseError{
			Message:  "expected ( after aggregate function",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return p.parseAggregateArgs(funcName)
}

// parseAggregateArgs parses the arguments of an aggregate function.
func (p *Parser) parseAggregateArgs(funcName string) (Expression, error) {
	agg := &AggregateExpr{Function: funcName}

	// Check for DISTINCT
	if p.curTokenIs(TokenDistinct) {
		agg.Distinct = true
		p.nextToken()
	}

	// Check for * (COUNT(*))
	if p.curTokenIs(TokenStar) {
		agg.Arg = &StarExpr{}
		p.nextToken()
	} else if !p.curTokenIs(TokenRParen) {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		agg.Arg = arg
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected ) after aggregate argument",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	if p.curTokenIs(TokenReserved) && p.curToken.Literal == "OVER" {
		return nil, p.reservedError()
	}
	return agg, nil
}

// parseCast parses CAST(expr AS type).
func (p *Parser) parseCast() (Expression, error) {
	if !p.peekTokenIs(TokenLParen) {
		return nil, &ParseError{
			Message:  "expected ( after CAST",
			Position: p.peekToken.Pos,
			Token:    p.peekToken,
		}
	}
	p.nextToken()
	p.nextToken()

	operand, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenAs) {
		return nil, &ParseError{
			Message:  "expected AS in CAST",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	if !p.curTokenIs(TokenIdent) {
		return nil, &ParseError{
			Message:  "expected type name in CAST",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	typeTok := p.curToken
	p.nextToken()

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected ) after CAST type",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return &CastExpr{Expr: operand, Type: typeTok.Literal, Pos: typeTok.Pos}, nil
}

// parseNumber parses a numeric literal.
func (p *Parser) parseNumber() (Expression, error) {
	tok := p.curToken
	literal := tok.Literal
	p.nextToken()

	// Try parsing as int64 first
	if !strings.ContainsAny(literal, ".eE") {
		val, err := strconv.ParseInt(literal, 10, 64)
		if err == nil {
			return &Literal{Value: val}, nil
		}
	}

	// Parse as float64
	val, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return nil, &ParseError{
			Message:  "invalid number",
			Position: tok.Pos,
			Token:    tok,
		}
	}
	return &Literal{Value: val}, nil
}

// parseString parses a string literal.
func (p *Parser) parseString() (Expression, error) {
	// Handle escaped quotes
	val := strings.ReplaceAll(p.curToken.Literal, "''", "'")
	p.nextToken()
	return &Literal{Value: val}, nil
}

// parseGroupedExpression parses a parenthesized expression.
func (p *Parser) parseGroupedExpression() (Expression, error) {
	p.nextToken() // Skip (
	if p.curTokenIs(TokenSelect) {
		return nil, unsupported("subquery", p.curToken)
	}

	expr, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected )",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return &ParenExpr{Expr: expr}, nil
}

// parseNotExpression parses a NOT expression.
func (p *Parser) parseNotExpression() (Expression, error) {
	p.nextToken() // Skip NOT

	expr, err := p.parseExpression(precNot)
	if err != nil {
		return nil, err
	}

	return &UnaryExpr{Operator: "NOT", Operand: expr}, nil
}

// parseUnaryMinus parses a unary minus expression.
func (p *Parser) parseUnaryMinus() (Expression, error) {
	p.nextToken() // Skip -

	expr, err := p.parseExpression(precUnary)
	if err != nil {
		return nil, err
	}

	return &UnaryExpr{Operator: "-", Operand: expr}, nil
}

// parseInfixExpression parses an infix expression.
func (p *Parser) parseInfixExpression(left Expression) (Expression, error) {
	switch p.curToken.Type {
	case TokenAnd, TokenOr:
		return p.parseBinaryExpression(left)
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe:
		return p.parseBinaryExpression(left)
	case TokenPlus, TokenMinus, TokenStar, TokenSlash:
		return p.parseBinaryExpression(left)
	case TokenLike:
		return p.parseLikeExpression(left, false)
	case TokenIn:
		return p.parseInExpression(left, false)
	case TokenBetween:
		return p.parseBetweenExpression(left, false)
	case TokenIs:
		return p.parseIsExpression(left)
	case TokenNot:
		return p.parseNotInfix(left)
	default:
		return left, nil
	}
}

// parseBinaryExpression parses a binary expression.
func (p *Parser) parseBinaryExpression(left Expression) (Expression, error) {
	op := p.curToken.Literal
	precedence := p.getPrecedence()
	p.nextToken()

	right, err := p.parseExpression(precedence)
	if err != nil {
		return nil, err
	}

	return &BinaryExpr{Left: left, Operator: op, Right: right}, nil
}

// parseLikeExpression parses a LIKE expression.
func (p *Parser) parseLikeExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip LIKE

	pattern, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	return &LikeExpr{Expr: left, Pattern: pattern, Not: not}, nil
}

// parseInExpression parses an IN expression.
func (p *Parser) parseInExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip IN

	if !p.curTokenIs(TokenLParen) {
		return nil, &ParseError{
			Message:  "expected ( after IN",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()
	if p.curTokenIs(TokenSelect) {
		return nil, unsupported("subquery", p.curToken)
	}

	var values []Expression
	for {
		val, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		values = append(values, val)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, &ParseError{
			Message:  "expected ) after IN values",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return &InExpr{Expr: left, Values: values, Not: not}, nil
}

// parseBetweenExpression parses a BETWEEN expression.
func (p *Parser) parseBetweenExpression(left Expression, not bool) (Expression, error) {
	p.nextToken() // Skip BETWEEN

	low, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenAnd) {
		return nil, &ParseError{
			Message:  "expected AND in BETWEEN expression",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	high, err := p.parseExpression(precCompare)
	if err != nil {
		return nil, err
	}

	return &BetweenExpr{Expr: left, Low: low, High: high, Not: not}, nil
}

// parseIsExpression parses an IS NULL or IS NOT NULL expression.
func (p *Parser) parseIsExpression(left Expression) (Expression, error) {
	p.nextToken() // Skip IS

	not := false
	if p.curTokenIs(TokenNot) {
		not = true
		p.nextToken()
	}

	if !p.curTokenIs(TokenNull) {
		return nil, &ParseError{
			Message:  "expected NULL after IS",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
	p.nextToken()

	return &IsNullExpr{Expr: left, Not: not}, nil
}

// parseNotInfix parses NOT IN, NOT LIKE, NOT BETWEEN.
func (p *Parser) parseNotInfix(left Expression) (Expression, error) {
	p.nextToken() // Skip NOT

	switch p.curToken.Type {
	case TokenIn:
		return p.parseInExpression(left, true)
	case TokenLike:
		return p.parseLikeExpression(left, true)
	case TokenBetween:
		return p.parseBetweenExpression(left, true)
	default:
		return nil, &ParseError{
			Message:  "expected IN, LIKE, or BETWEEN after NOT",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}
