package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Generator turns a captured turn into a Reflection.
type Generator interface {
	Generate(ctx context.Context, rc Context) (Reflection, error)
}

const promptTemplate = `You are an assistant reflecting on a recent interaction.
Return ONLY valid JSON with keys: summary, mistakes, improvements, follow_up.
Rules:
- summary: 1-2 short sentences.
- mistakes: short list of issues (empty list if none).
- improvements: short list of concrete improvements.
- follow_up: short suggestion for next step or follow-up question.

Context:
User input: %s
Assistant reply: %s
Tool calls: %s
Response metadata: %s
`

// Prompt renders the reflection prompt for rc with every field clipped.
func Prompt(rc Context) string {
	tools, _ := json.Marshal(rc.ToolCalls)
	meta, _ := json.Marshal(rc.Metadata)
	if len(rc.ToolCalls) == 0 {
		tools = []byte("[]")
	}
	if len(rc.Metadata) == 0 {
		meta = []byte("{}")
	}
	return fmt.Sprintf(promptTemplate, Clip(rc.UserInput), Clip(rc.AssistantReply), Clip(string(tools)), Clip(string(meta)))
}

// ParseReflection decodes a generator response. Text that is not a JSON
// object is kept in Raw.
func ParseReflection(raw string) Reflection {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var r Reflection
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &r); err != nil || r.Summary == "" {
		return Reflection{
			Summary:      "Reflection response was not valid JSON.",
			Mistakes:     []string{},
			Improvements: []string{},
			FollowUp:     "Review the raw response and retry.",
			Raw:          raw,
		}
	}
	return r
}

// fallback is stored when generation fails so the turn still leaves a record.
func fallback(err error) Reflection {
	return Reflection{
		Summary:      "Reflection unavailable due to an error.",
		Mistakes:     []string{err.Error()},
		Improvements: []string{},
		FollowUp:     "Retry reflection when connectivity is restored.",
	}
}

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// contentModel is the slice of *genai.Models the generator needs.
type contentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIGenerator asks Gemini for a JSON reflection.
type GenAIGenerator struct {
	models contentModel
	model  string
}

// NewGenAIGenerator creates a Gemini-backed generator.
func NewGenAIGenerator(ctx context.Context, apiKey, model string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("reflection: GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("reflection: create GenAI client: %w", err)
	}
	return newGenAIGenerator(client.Models, model), nil
}

func newGenAIGenerator(m contentModel, model string) *GenAIGenerator {
	if model == "" {
		model = DefaultModel
	}
	return &GenAIGenerator{models: m, model: model}
}

func (g *GenAIGenerator) Generate(ctx context.Context, rc Context) (Reflection, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(Prompt(rc)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You are a concise reflection generator.", genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
		MaxOutputTokens:   220,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return Reflection{}, fmt.Errorf("reflection: generate: %w", err)
	}
	return ParseReflection(resp.Text()), nil
}

func (g *GenAIGenerator) Name() string { return "genai:" + g.model }

// HeuristicGenerator builds a reflection locally from tool outcomes. It is
// used when no model is configured.
type HeuristicGenerator struct{}

func (HeuristicGenerator) Generate(_ context.Context, rc Context) (Reflection, error) {
	r := Reflection{Mistakes: []string{}, Improvements: []string{}}

	var refused []string
	for _, tc := range rc.ToolCalls {
		switch tc.Outcome {
		case "", "approved", "executed", "dry_run":
		default:
			refused = append(refused, tc.Name)
			r.Mistakes = append(r.Mistakes, fmt.Sprintf("tool %s ended %s", tc.Name, tc.Outcome))
		}
	}
	if strings.TrimSpace(rc.AssistantReply) == "" {
		r.Mistakes = append(r.Mistakes, "no reply was produced")
		r.Improvements = append(r.Improvements, "always answer the user, even briefly")
	}
	for _, name := range refused {
		r.Improvements = append(r.Improvements, fmt.Sprintf("explain and confirm before calling %s", name))
	}

	switch {
	case strings.TrimSpace(rc.UserInput) == "":
		r.Summary = fmt.Sprintf("Responded to a %s trigger.", rc.Trigger())
	default:
		r.Summary = fmt.Sprintf("Responded to %q.", truncate(rc.UserInput, 80))
	}
	if len(rc.ToolCalls) > 0 {
		r.Summary += fmt.Sprintf(" Used %d tool call(s), %d refused.", len(rc.ToolCalls), len(refused))
	}
	if len(refused) > 0 {
		r.FollowUp = "Ask whether the user still wants the refused action."
	}
	return r, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
