package reflection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/genai"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

type blockingGenerator struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (g *blockingGenerator) Generate(ctx context.Context, rc Context) (Reflection, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		return Reflection{}, ctx.Err()
	}
	return Reflection{Summary: "ok", Improvements: []string{"be brief"}}, nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, Context) (Reflection, error) {
	return Reflection{}, errors.New("network down")
}

func TestRequestsWithinIntervalStoreOneRecord(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore(0)
	c := NewCoordinator(Config{Enabled: true, MinInterval: 30 * time.Second}, nil, store, WithClock(clk))

	require.True(t, c.Request(context.Background(), Context{UserInput: "hi", AssistantReply: "hello"}))
	c.Wait()
	clk.Advance(10 * time.Second)
	assert.False(t, c.Request(context.Background(), Context{UserInput: "again"}))
	c.Wait()
	assert.Equal(t, 1, store.Len())

	clk.Advance(20 * time.Second)
	assert.True(t, c.Request(context.Background(), Context{UserInput: "later"}))
	c.Wait()
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, Stats{Accepted: 2, Dropped: 1}, c.Stats())
}

func TestInFlightGuard(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	c := NewCoordinator(Config{Enabled: true}, gen, nil)

	require.True(t, c.Request(context.Background(), Context{}))
	assert.True(t, c.InFlight())
	assert.False(t, c.Request(context.Background(), Context{}))

	close(gen.release)
	c.Wait()
	assert.False(t, c.InFlight())
	assert.Equal(t, 1, gen.calls)
	assert.True(t, c.Request(context.Background(), Context{}))
	c.Wait()
}

func TestDisabledCoordinatorRejects(t *testing.T) {
	called := false
	c := NewCoordinator(Config{Enabled: false}, nil, nil, WithOnDone(func(Record, error) { called = true }))
	assert.False(t, c.Request(context.Background(), Context{}))
	c.Wait()
	assert.False(t, called)
}

func TestGeneratorFailureStillStoresAndCallsDone(t *testing.T) {
	store := NewMemoryStore(0)
	var gotErr error
	var got Record
	c := NewCoordinator(Config{Enabled: true}, failingGenerator{}, store, WithOnDone(func(r Record, err error) {
		got, gotErr = r, err
	}))

	require.True(t, c.Request(context.Background(), Context{UserInput: "x"}))
	c.Wait()
	require.Error(t, gotErr)
	assert.Equal(t, "Reflection unavailable due to an error.", got.Reflection.Summary)
	assert.Equal(t, []string{"network down"}, got.Reflection.Mistakes)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, uint64(1), c.Stats().Failed)
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, Context) (Reflection, error) {
	panic("nil model")
}

func TestGeneratorPanicFallsBack(t *testing.T) {
	store := NewMemoryStore(0)
	var gotErr error
	var got Record
	c := NewCoordinator(Config{Enabled: true}, panickingGenerator{}, store, WithOnDone(func(r Record, err error) {
		got, gotErr = r, err
	}))

	require.True(t, c.Request(context.Background(), Context{UserInput: "x"}))
	c.Wait()
	require.ErrorIs(t, gotErr, ErrGeneratorPanic)
	assert.Equal(t, "Reflection unavailable due to an error.", got.Reflection.Summary)
	assert.Equal(t, 1, store.Len())
	assert.False(t, c.InFlight())
	assert.Equal(t, uint64(1), c.Stats().Failed)
}

func TestFailedRunHoldsInterval(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	c := NewCoordinator(Config{Enabled: true, MinInterval: time.Minute}, failingGenerator{}, nil, WithClock(clk))
	require.True(t, c.Request(context.Background(), Context{}))
	c.Wait()
	assert.False(t, c.Request(context.Background(), Context{}))
}

func TestRunSurvivesCallerCancel(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	store := NewMemoryStore(0)
	c := NewCoordinator(Config{Enabled: true}, gen, store)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, c.Request(ctx, Context{}))
	cancel()
	close(gen.release)
	c.Wait()

	recs, err := store.Latest(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Reflection.Summary)
}

func TestRunTimeout(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	var gotErr error
	c := NewCoordinator(Config{Enabled: true, Timeout: 20 * time.Millisecond}, gen, nil,
		WithOnDone(func(_ Record, err error) { gotErr = err }))
	require.True(t, c.Request(context.Background(), Context{}))
	c.Wait()
	assert.ErrorIs(t, gotErr, context.DeadlineExceeded)
}

func TestMemoryStoreBoundedNewestFirst(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Store(ctx, Record{ID: id, Reflection: Reflection{Improvements: []string{"lesson " + id}}}))
	}
	recs, err := s.Latest(ctx, 0)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"d", "c", "b"}, ids)

	lessons, err := Lessons(ctx, s, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"lesson d", "lesson c"}, lessons)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "(none)", Clip("  "))
	assert.Equal(t, "short", Clip("short"))
	long := strings.Repeat("é", ClipLimit+5)
	clipped := Clip(long)
	assert.True(t, strings.HasSuffix(clipped, "…"))
	assert.Equal(t, ClipLimit+1, len([]rune(clipped)))
}

func TestPromptIncludesClippedContext(t *testing.T) {
	p := Prompt(Context{
		UserInput:      "what's my battery",
		AssistantReply: strings.Repeat("x", 2000),
		ToolCalls:      []ToolCall{{Name: "get_battery", Outcome: "executed"}},
		Metadata:       map[string]any{"trigger": "battery.status"},
	})
	assert.Contains(t, p, "User input: what's my battery")
	assert.Contains(t, p, `"name":"get_battery"`)
	assert.Contains(t, p, `{"trigger":"battery.status"}`)
	assert.NotContains(t, p, strings.Repeat("x", ClipLimit+1))
}

func TestParseReflection(t *testing.T) {
	r := ParseReflection("```json\n{\"summary\":\"s\",\"mistakes\":[],\"improvements\":[\"i\"],\"follow_up\":\"f\"}\n```")
	assert.Equal(t, Reflection{Summary: "s", Mistakes: []string{}, Improvements: []string{"i"}, FollowUp: "f"}, r)

	bad := ParseReflection("not json")
	assert.Equal(t, "Reflection response was not valid JSON.", bad.Summary)
	assert.Equal(t, "not json", bad.Raw)
}

func TestHeuristicGenerator(t *testing.T) {
	r, err := HeuristicGenerator{}.Generate(context.Background(), Context{
		UserInput:      "send a message to mum",
		AssistantReply: "I could not send it.",
		ToolCalls: []ToolCall{
			{Name: "get_contacts", Outcome: "executed"},
			{Name: "send_message", Outcome: "expired"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tool send_message ended expired"}, r.Mistakes)
	assert.Equal(t, []string{"explain and confirm before calling send_message"}, r.Improvements)
	assert.Contains(t, r.Summary, "2 tool call(s), 1 refused")
	assert.NotEmpty(t, r.FollowUp)

	r, err = HeuristicGenerator{}.Generate(context.Background(), Context{Metadata: map[string]any{"trigger": "battery.status"}})
	require.NoError(t, err)
	assert.Equal(t, "Responded to a battery.status trigger.", r.Summary)
	assert.Contains(t, r.Mistakes, "no reply was produced")
}

type fakeModels struct {
	model  string
	config *genai.GenerateContentConfig
	prompt string
	reply  string
	err    error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.reply, genai.RoleModel)}},
	}, nil
}

func TestGenAIGenerator(t *testing.T) {
	fake := &fakeModels{reply: `{"summary":"Answered the battery question.","mistakes":[],"improvements":["mention charging time"],"follow_up":"none"}`}
	g := newGenAIGenerator(fake, "")

	r, err := g.Generate(context.Background(), Context{UserInput: "battery?"})
	require.NoError(t, err)
	assert.Equal(t, "Answered the battery question.", r.Summary)
	assert.Equal(t, []string{"mention charging time"}, r.Improvements)
	assert.Equal(t, DefaultModel, fake.model)
	assert.Equal(t, "application/json", fake.config.ResponseMIMEType)
	assert.Equal(t, int32(220), fake.config.MaxOutputTokens)
	assert.Contains(t, fake.prompt, "User input: battery?")
	assert.Equal(t, "genai:"+DefaultModel, g.Name())

	fake.err = errors.New("quota")
	_, err = g.Generate(context.Background(), Context{})
	assert.Error(t, err)

	_, err = NewGenAIGenerator(context.Background(), "", "")
	assert.Error(t, err)
}

func TestInstructionBlock(t *testing.T) {
	s := InstructionBlock("", "s1", []string{"be brief"})
	assert.Contains(t, s, "- user_id: Unknown")
	assert.Contains(t, s, "- session_id: s1")
	assert.Contains(t, s, "- be brief")
	assert.Contains(t, InstructionBlock("u", "s", nil), "None")
}
