// Package textutils provides named constants for common ASCII characters
// and short strings, so callers elsewhere in this module can write
// textutils.EqualChar instead of a bare '=' rune literal.
package textutils

const (
	EmptyStr      = ""
	WhiteSpaceStr = " "
	NewLineString = "\n"
	ForwardSlashStr = "/"
	PeriodStr     = "."
	ColonStr      = ":"
	EqualStr      = "="
)

const (
	HashChar      = '#'
	EqualChar     = '='
	DollarChar    = '$'
	OpenBraceChar = '{'
	CloseBraceChar = '}'
	BackSlashChar = '\\'
	ForwardSlashChar = '/'
	ColonChar     = ':'
	CommaChar     = ','
	SpaceChar     = ' '
	NewLineChar   = '\n'

	AUpperChar = 'A'
	ZUpperChar = 'Z'
	ALowerChar = 'a'
	ZLowerChar = 'z'
)
