package history

import (
	"context"
	"regexp"
)

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Card numbers are matched before phone numbers so long digit runs are not
// reported as phones.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllString(out, rule.replacement)
	}
	return out, out != input
}

// RedactingStore masks PII in the user and reply text before delegating.
type RedactingStore struct {
	Store
}

func NewRedactingStore(inner Store) *RedactingStore {
	return &RedactingStore{Store: inner}
}

func (s *RedactingStore) Save(ctx context.Context, r Record) error {
	var userChanged, replyChanged bool
	r.UserText, userChanged = RedactPII(r.UserText)
	r.ReplyText, replyChanged = RedactPII(r.ReplyText)
	r.PIIRedacted = r.PIIRedacted || userChanged || replyChanged
	return s.Store.Save(ctx, r)
}
