package governance

import (
	"strings"

	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
)

// Moderator blocks requests whose dominant text contains a configured
// term. An empty term list disables the stage entirely.
type Moderator struct {
	terms []string
}

func NewModerator(terms []string) *Moderator {
	m := &Moderator{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			m.terms = append(m.terms, t)
		}
	}
	return m
}

func (m *Moderator) Enabled() bool {
	return m != nil && len(m.terms) > 0
}

// Check returns the matched term when the request text trips the
// blocklist. Matching is case-insensitive substring over the same
// dominant text field the token estimator reads.
func (m *Moderator) Check(body []byte) (string, bool) {
	if !m.Enabled() {
		return "", false
	}
	text := strings.ToLower(usage.DominantText(body))
	if text == "" {
		return "", false
	}
	for _, term := range m.terms {
		if strings.Contains(text, term) {
			return term, true
		}
	}
	return "", false
}
