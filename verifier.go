package goCaptcha

import (
	"sort"
	"strings"
)

// defaultVerifier compares answers case-insensitively and ignores token
// order, so "B, A" matches "a b". Multi-token answers are split on commas
// and whitespace.
type defaultVerifier struct{}

// DefaultVerifier returns the verifier used when the builder is given
// none.
func DefaultVerifier() Verifier {
	return defaultVerifier{}
}

func (defaultVerifier) CheckAnswer(expected, provided string) bool {
	return normalizeAnswer(expected) == normalizeAnswer(provided)
}

func (defaultVerifier) PresentChallenge(ch *Challenge) *ChallengeView {
	if ch == nil {
		return nil
	}
	return &ChallengeView{
		ID:      ch.ID,
		Choices: append([]string(nil), ch.Choices...),
		Payload: append([]byte(nil), ch.Payload...),
	}
}

func normalizeAnswer(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
