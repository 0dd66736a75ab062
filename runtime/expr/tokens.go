package expr

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes; offset so none collides with parsly's reserved codes.
const (
	whitespaceCode = iota + 10
	identifierCode
	dotCode
	openBracketCode
	closeBracketCode
	indexCode
	quotedKeyCode
)

// Token definitions
var (
	whitespaceToken   = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	identifierToken   = parsly.NewToken(identifierCode, "Identifier", &identifierMatcher{})
	dotToken          = parsly.NewToken(dotCode, ".", matcher.NewByte('.'))
	openBracketToken  = parsly.NewToken(openBracketCode, "[", matcher.NewByte('['))
	closeBracketToken = parsly.NewToken(closeBracketCode, "]", matcher.NewByte(']'))
	indexToken        = parsly.NewToken(indexCode, "Index", &indexMatcher{})
	quotedKeyToken    = parsly.NewToken(quotedKeyCode, "QuotedKey", &quotedKeyMatcher{})
)

// identifierMatcher matches reference segment names: letters, digits,
// underscore and dash (job ids and env names may carry dashes).
type identifierMatcher struct{}

func (m *identifierMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := len(input)
	matched := 0
	for i := pos; i < size; i++ {
		c := input[i]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if isLetter || c == '_' || (matched > 0 && (isDigit || c == '-')) {
			matched++
			continue
		}
		break
	}
	return matched
}

// indexMatcher matches a non-negative integer subscript.
type indexMatcher struct{}

func (m *indexMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	matched := 0
	for i := cursor.Pos; i < len(input); i++ {
		if input[i] < '0' || input[i] > '9' {
			break
		}
		matched++
	}
	return matched
}

// quotedKeyMatcher matches a single-quoted map key, e.g. ['my key'].
type quotedKeyMatcher struct{}

func (m *quotedKeyMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	if pos >= len(input) || input[pos] != '\'' {
		return 0
	}
	for i := pos + 1; i < len(input); i++ {
		if input[i] == '\'' {
			return i - pos + 1
		}
	}
	return 0
}
