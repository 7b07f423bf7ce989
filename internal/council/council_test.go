package council

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/embedclient"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/storage"
	"github.com/conarylabs/mira/internal/toolbridge"
)

// fakeProvider returns a fixed sequence of responses, one per Complete
// call, and records every request it was handed.
type fakeProvider struct {
	model     Model
	responses []string
	calls     []Request
}

func (f *fakeProvider) Name() Model { return f.model }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return Response{Model: f.model, Text: f.responses[i]}, nil
}

func newTestService(t *testing.T, providers map[Model]Provider, synthesizer, moderator Model) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Service{
		providers:       providers,
		synthesizer:     synthesizer,
		moderator:       moderator,
		providerTimeout: testProviderTimeout,
		mem:             memory.New(db, embedclient.Disabled(), nil),
		code:            codeintel.New(db, embedclient.Disabled(), nil),
		log:             slog.Default(),
	}
}

const testProviderTimeout = 5_000_000_000 // 5s, spelled out to avoid importing time just for a constant

func TestParseModeratorDecisionRoundTrips(t *testing.T) {
	raw := `{"should_continue":false,"disagreements":["caching ttl"],"early_exit_reason":"consensus"}`
	decision, err := ParseModeratorDecision(raw)
	require.NoError(t, err)
	require.False(t, decision.ShouldContinue)
	require.Equal(t, []string{"caching ttl"}, decision.Disagreements)
	require.Equal(t, "consensus", decision.EarlyExitReason)
}

func TestModerateFallsBackToContinueOnNonJSONResponse(t *testing.T) {
	claude := &fakeProvider{model: ModelClaude, responses: []string{"not json"}}
	svc := newTestService(t, map[Model]Provider{ModelClaude: claude}, ModelClaude, ModelClaude)

	round := DeliberationRound{RoundNumber: 1, Responses: map[Model]Response{ModelClaude: {Text: "answer"}}, Errors: map[Model]error{}}
	decision, err := svc.moderate(context.Background(), "question", round, nil)
	require.NoError(t, err)
	require.True(t, decision.ShouldContinue)
}

func TestModerateReturnsParsedDecision(t *testing.T) {
	claude := &fakeProvider{model: ModelClaude, responses: []string{`{"should_continue":false,"early_exit_reason":"consensus"}`}}
	svc := newTestService(t, map[Model]Provider{ModelClaude: claude}, ModelClaude, ModelClaude)

	round := DeliberationRound{RoundNumber: 2, Responses: map[Model]Response{ModelClaude: {Text: "answer"}}, Errors: map[Model]error{}}
	decision, err := svc.moderate(context.Background(), "question", round, nil)
	require.NoError(t, err)
	require.False(t, decision.ShouldContinue)
	require.Equal(t, 2, decision.RoundNumber)
	require.Equal(t, "consensus", decision.EarlyExitReason)
}

func TestNoopSinkDiscardsEvents(t *testing.T) {
	var sink ProgressSink = NoopSink{}
	require.NotPanics(t, func() { sink.Emit(ProgressEvent{Type: EventDone}) })
}

func TestSseSinkBuffersEvents(t *testing.T) {
	sink := NewSseSink(4)
	sink.Emit(ProgressEvent{Type: EventRoundStarted, Round: 1})
	sink.Emit(ProgressEvent{Type: EventDone})
	sink.Close()

	var got []ProgressEventType
	for ev := range sink.Events() {
		got = append(got, ev.Type)
	}
	require.Equal(t, []ProgressEventType{EventRoundStarted, EventDone}, got)
}

func TestSseSinkDropsEventsPastCapacityRatherThanBlocking(t *testing.T) {
	sink := NewSseSink(1)
	for i := 0; i < 5; i++ {
		sink.Emit(ProgressEvent{Type: EventModelStarted})
	}
	// Emit never blocks even once the channel is full; Close must still
	// succeed and drain whatever made it in.
	sink.Close()
	count := 0
	for range sink.Events() {
		count++
	}
	require.LessOrEqual(t, count, 1)
}

func TestDeliberateEmitsExpectedEventSequenceOnEarlyConsensus(t *testing.T) {
	claude := &fakeProvider{model: ModelClaude, responses: []string{"round one answer from claude"}}
	gpt := &fakeProvider{model: ModelGPT, responses: []string{"round one answer from gpt"}}
	moderatorThenSynthesizer := &sequencedProvider{model: ModelBedrock, steps: []Response{
		{Model: ModelBedrock, Text: `{"should_continue":false,"early_exit_reason":"consensus"}`},
		{Model: ModelBedrock, Text: `{"summary":"agreed","confidence":"high"}`},
	}}

	svc := newTestService(t, map[Model]Provider{
		ModelClaude:  claude,
		ModelGPT:     gpt,
		ModelBedrock: moderatorThenSynthesizer,
	}, ModelBedrock, ModelBedrock)

	sink := NewSseSink(32)
	_, err := svc.Deliberate(context.Background(), "should we adopt the new cache?", DeliberationConfig{
		Models: []Model{ModelClaude, ModelGPT}, MaxRounds: 2, Sink: sink,
	})
	require.NoError(t, err)
	sink.Close()

	var types []ProgressEventType
	roundStarted, modelCompleted, moderatorComplete, earlyConsensus, synthesisStarted, done := 0, 0, 0, 0, 0, 0
	for ev := range sink.Events() {
		types = append(types, ev.Type)
		switch ev.Type {
		case EventRoundStarted:
			roundStarted++
		case EventModelCompleted:
			modelCompleted++
		case EventModeratorComplete:
			moderatorComplete++
		case EventEarlyConsensus:
			earlyConsensus++
		case EventSynthesisStarted:
			synthesisStarted++
		case EventDone:
			done++
		}
	}
	require.Equal(t, 1, roundStarted, "exactly one round should run before early consensus: %v", types)
	require.Equal(t, 2, modelCompleted)
	require.Equal(t, 1, moderatorComplete)
	require.Equal(t, 1, earlyConsensus)
	require.Equal(t, 1, synthesisStarted)
	require.Equal(t, 1, done)
}

// sequencedProvider returns each step's Response in order across
// successive Complete calls, used where one Model plays both the
// moderator and synthesizer role in a test.
type sequencedProvider struct {
	model Model
	steps []Response
	n     int
}

func (s *sequencedProvider) Name() Model { return s.model }

func (s *sequencedProvider) Complete(ctx context.Context, req Request) (Response, error) {
	i := s.n
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.n++
	return s.steps[i], nil
}

func TestAskWithToolsFallsBackToAskWithoutStores(t *testing.T) {
	claude := &fakeProvider{model: ModelClaude, responses: []string{"plain answer"}}
	svc := &Service{
		providers:       map[Model]Provider{ModelClaude: claude},
		synthesizer:     ModelClaude,
		moderator:       ModelClaude,
		providerTimeout: testProviderTimeout,
		log:             slog.Default(),
	}
	resp, err := svc.AskWithTools(context.Background(), ModelClaude, Request{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "plain answer", resp.Text)
	require.Len(t, claude.calls, 1)
}

func TestAskWithToolsRejectsRecursiveCall(t *testing.T) {
	claude := &fakeProvider{model: ModelClaude, responses: []string{"x"}}
	svc := newTestService(t, map[Model]Provider{ModelClaude: claude}, ModelClaude, ModelClaude)
	ctx := withinCouncilCall(context.Background())
	_, err := svc.AskWithTools(ctx, ModelClaude, Request{Message: "hi"})
	require.ErrorIs(t, err, ErrRecursive)
}

// toolCallingProvider answers the first call with a tool_call envelope
// invoking list_tasks, then a plain-text final answer.
type toolCallingProvider struct {
	model Model
	n     int
}

func (p *toolCallingProvider) Name() Model { return p.model }

func (p *toolCallingProvider) Complete(ctx context.Context, req Request) (Response, error) {
	p.n++
	if p.n == 1 {
		return Response{Model: p.model, Text: `{"tool_call":{"name":"list_tasks","arguments":{}}}`}, nil
	}
	return Response{Model: p.model, Text: "final answer using the tool result"}, nil
}

func TestRunProviderWithToolsDrivesToolCallThenFinalAnswer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memory.New(db, embedclient.Disabled(), nil)
	code := codeintel.New(db, embedclient.Disabled(), nil)
	bridge := toolbridge.New(mem, code, toolbridge.NewSharedToolBudget(10), slog.Default())

	svc := &Service{log: slog.Default()}
	provider := &toolCallingProvider{model: ModelClaude}

	resp, err := svc.runProviderWithTools(context.Background(), provider, Request{Message: "list my tasks"}, bridge)
	require.NoError(t, err)
	require.Equal(t, "final answer using the tool result", resp.Text)
	require.Equal(t, 2, provider.n)
}

func TestRunProviderWithToolsStopsOnExhaustedBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mira.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memory.New(db, embedclient.Disabled(), nil)
	code := codeintel.New(db, embedclient.Disabled(), nil)
	budget := toolbridge.NewSharedToolBudget(1)
	require.True(t, budget.TryConsume()) // exhaust the budget before the loop gets to spend it
	bridge := toolbridge.New(mem, code, budget, slog.Default())

	svc := &Service{log: slog.Default()}
	provider := &toolCallingProvider{model: ModelClaude}

	resp, err := svc.runProviderWithTools(context.Background(), provider, Request{Message: "list my tasks"}, bridge)
	require.NoError(t, err)
	require.Contains(t, resp.Text, "tool_call")
	require.Equal(t, 1, provider.n)
}

func TestToolCallingInstructionsListsEveryTool(t *testing.T) {
	instructions := toolCallingInstructions()
	for _, d := range toolbridge.Definitions() {
		require.Contains(t, instructions, string(d.Name))
	}
}
