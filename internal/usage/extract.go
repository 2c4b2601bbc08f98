package usage

import "encoding/json"

// Reported is the token usage a provider attached to its response.
type Reported struct {
	TokensIn  int64
	TokensOut int64
}

// ExtractReported pulls provider-reported token counts out of a
// response body. It understands the OpenAI-compatible usage object
// (also served by Mistral and DeepSeek), the Anthropic field names,
// and Gemini's usageMetadata. Reported counts always win over the
// pre-request estimate.
func ExtractReported(body []byte) (Reported, bool) {
	if len(body) == 0 {
		return Reported{}, false
	}

	var probe struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
		} `json:"usage"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return Reported{}, false
	}

	if probe.Usage.PromptTokens > 0 || probe.Usage.CompletionTokens > 0 {
		return Reported{TokensIn: probe.Usage.PromptTokens, TokensOut: probe.Usage.CompletionTokens}, true
	}
	if probe.Usage.InputTokens > 0 || probe.Usage.OutputTokens > 0 {
		return Reported{TokensIn: probe.Usage.InputTokens, TokensOut: probe.Usage.OutputTokens}, true
	}
	if probe.UsageMetadata.PromptTokenCount > 0 || probe.UsageMetadata.CandidatesTokenCount > 0 {
		return Reported{
			TokensIn:  probe.UsageMetadata.PromptTokenCount,
			TokensOut: probe.UsageMetadata.CandidatesTokenCount,
		}, true
	}
	return Reported{}, false
}
