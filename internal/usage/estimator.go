package usage

import (
	"encoding/json"
	"log"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimate is a pre-request guess at input tokens. It is not
// billing-grade; provider-reported counts replace it at record time.
type TokenEstimate struct {
	Tokens int64  `json:"tokens"`
	Source string `json:"source"` // heuristic or tiktoken
}

// Estimator derives a token estimate from a request payload. The
// default is the word-count heuristic; with an encoder it counts
// real BPE tokens instead.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator. With exact=true it loads the
// cl100k_base encoding and falls back to the heuristic if that fails.
func NewEstimator(exact bool) *Estimator {
	if exact {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("[usage] tiktoken encoding unavailable, using heuristic: %v", err)
		} else {
			return &Estimator{enc: enc}
		}
	}
	return &Estimator{}
}

// Estimate counts tokens for the dominant text field of the payload.
func (e *Estimator) Estimate(body []byte) TokenEstimate {
	text := DominantText(body)
	if text == "" {
		return TokenEstimate{Tokens: 0, Source: e.source()}
	}
	if e.enc != nil {
		return TokenEstimate{
			Tokens: int64(len(e.enc.Encode(text, nil, nil))),
			Source: "tiktoken",
		}
	}
	words := len(strings.Fields(text))
	return TokenEstimate{
		Tokens: int64(math.Round(float64(words) * 1.3)),
		Source: "heuristic",
	}
}

func (e *Estimator) source() string {
	if e.enc != nil {
		return "tiktoken"
	}
	return "heuristic"
}

// flexibleText accepts the content shapes providers use: a plain
// string, a list of typed parts, or a list of strings.
type flexibleText struct {
	text string
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (f *flexibleText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.text = s
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" && (p.Type == "" || p.Type == "text") {
				texts = append(texts, p.Text)
			}
		}
		f.text = strings.Join(texts, " ")
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		f.text = strings.Join(list, " ")
		return nil
	}

	f.text = ""
	return nil
}

type estimatePayload struct {
	Messages []struct {
		Content flexibleText `json:"content"`
	} `json:"messages"`
	Prompt flexibleText `json:"prompt"`
	Input  flexibleText `json:"input"`
	Text   string       `json:"text"`
}

// DominantText picks the text field that drives token consumption:
// chat messages first, then prompt, input, and text. A body that is
// not JSON counts as raw text when it is valid UTF-8.
func DominantText(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var p estimatePayload
	if err := json.Unmarshal(body, &p); err != nil {
		if utf8.Valid(body) {
			return strings.TrimSpace(string(body))
		}
		return ""
	}

	if len(p.Messages) > 0 {
		var texts []string
		for _, m := range p.Messages {
			if m.Content.text != "" {
				texts = append(texts, m.Content.text)
			}
		}
		if len(texts) > 0 {
			return strings.TrimSpace(strings.Join(texts, " "))
		}
	}
	if p.Prompt.text != "" {
		return strings.TrimSpace(p.Prompt.text)
	}
	if p.Input.text != "" {
		return strings.TrimSpace(p.Input.text)
	}
	return strings.TrimSpace(p.Text)
}
