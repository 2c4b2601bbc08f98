package usage

import "testing"

func TestEstimate_HeuristicWordCount(t *testing.T) {
	e := NewEstimator(false)

	tests := []struct {
		name string
		body string
		want int64
	}{
		{"prompt field", `{"prompt":"one two three four"}`, 5},           // round(4 * 1.3)
		{"single word", `{"prompt":"hello"}`, 1},                        // round(1.3)
		{"ten words", `{"prompt":"a b c d e f g h i j"}`, 13},           // round(13.0)
		{"input fallback", `{"input":"alpha beta gamma"}`, 4},           // round(3.9)
		{"text fallback", `{"text":"alpha beta"}`, 3},                   // round(2.6)
		{"raw non-json body", `not json just plain words`, 7},           // round(5 * 1.3) = 6.5 -> 7
		{"empty body", ``, 0},
		{"json without text fields", `{"temperature":0.7,"n":1}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Estimate([]byte(tt.body))
			if got.Tokens != tt.want {
				t.Fatalf("Estimate(%q) = %d tokens, want %d", tt.body, got.Tokens, tt.want)
			}
			if got.Source != "heuristic" {
				t.Fatalf("source = %q, want heuristic", got.Source)
			}
		})
	}
}

func TestDominantText_MessagesWin(t *testing.T) {
	body := `{
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "write a blog outline"}
		],
		"prompt": "ignored when messages exist"
	}`
	got := DominantText([]byte(body))
	if got != "be brief write a blog outline" {
		t.Fatalf("DominantText = %q", got)
	}
}

func TestDominantText_ContentParts(t *testing.T) {
	body := `{"messages":[{"role":"user","content":[
		{"type":"text","text":"hello"},
		{"type":"image_url","text":""},
		{"type":"text","text":"world"}
	]}]}`
	got := DominantText([]byte(body))
	if got != "hello world" {
		t.Fatalf("DominantText = %q", got)
	}
}

func TestDominantText_StringArrayContent(t *testing.T) {
	got := DominantText([]byte(`{"input":["first part","second part"]}`))
	if got != "first part second part" {
		t.Fatalf("DominantText = %q", got)
	}
}

func TestDominantText_NumericContentIgnored(t *testing.T) {
	got := DominantText([]byte(`{"prompt":42}`))
	if got != "" {
		t.Fatalf("DominantText = %q, want empty", got)
	}
}

func TestExtractReported_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIn  int64
		wantOut int64
		found   bool
	}{
		{
			"openai style",
			`{"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":340,"total_tokens":460}}`,
			120, 340, true,
		},
		{
			"anthropic style",
			`{"content":[],"usage":{"input_tokens":88,"output_tokens":12}}`,
			88, 12, true,
		},
		{
			"gemini style",
			`{"candidates":[],"usageMetadata":{"promptTokenCount":55,"candidatesTokenCount":200}}`,
			55, 200, true,
		},
		{"no usage object", `{"result":"ok"}`, 0, 0, false},
		{"not json", `<html>`, 0, 0, false},
		{"empty", ``, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractReported([]byte(tt.body))
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if got.TokensIn != tt.wantIn || got.TokensOut != tt.wantOut {
				t.Fatalf("reported = %d/%d, want %d/%d", got.TokensIn, got.TokensOut, tt.wantIn, tt.wantOut)
			}
		})
	}
}
