package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/inboxrank/internal/ollama"
)

// ChatClient is the subset of ollama.Client used for scoring.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// maxContentRunes bounds the prompt so long threads don't blow the model context.
const maxContentRunes = 6000

const systemPrompt = `You rate how much attention an email needs from its recipient.
Reply with JSON only:
- priority_score: integer 1 (ignore) to 5 (act now)
- confidence: number 0 to 1, how sure you are
- summary: one sentence, in the email's language
Deadlines, requests from managers, evaluations, promotions, benefits and
registration windows rate high. Newsletters and notifications rate low.`

func floatPtr(f float64) *float64 { return &f }

var scoreSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"priority_score": {Type: "integer", Minimum: floatPtr(1), Maximum: floatPtr(5)},
		"confidence":     {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(1)},
		"summary":        {Type: "string"},
	},
	Required: []string{"priority_score", "confidence", "summary"},
}

// Ollama scores emails with a local model via structured chat output.
type Ollama struct {
	client ChatClient
	model  string
}

// NewOllama returns a Scorer backed by client and model.
func NewOllama(client ChatClient, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Score(ctx context.Context, req Request) (Score, error) {
	content := req.Content
	if r := []rune(content); len(r) > maxContentRunes {
		content = string(r[:maxContentRunes])
	}

	var user strings.Builder
	if req.Context != "" {
		fmt.Fprintf(&user, "Previous summary: %s\n\n", req.Context)
	}
	user.WriteString(content)

	raw, err := o.client.Chat(ctx, o.model, []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user.String()},
	}, scoreSchema)
	if err != nil {
		return Score{}, &Error{Kind: KindOf(err), Err: err}
	}

	var s Score
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
		return Score{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("decoding score: %w", err)}
	}
	if err := s.Validate(); err != nil {
		return Score{}, &Error{Kind: KindMalformed, Err: err}
	}
	s.Summary = strings.TrimSpace(s.Summary)
	return s, nil
}
