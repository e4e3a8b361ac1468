package chatquota

import "unicode/utf8"

// charsPerToken approximates how many characters one model token covers.
const charsPerToken = 4

// EstimateCost provides a rough token count for a piece of chat text.
// Uses the approximation: ~4 chars per token, rounded up, so any
// non-empty text costs at least one token.
func EstimateCost(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + charsPerToken - 1) / charsPerToken
}
