package council

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/conarylabs/mira/internal/codeintel"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/merrors"
	"github.com/conarylabs/mira/internal/toolbridge"
)

// DefaultProviderTimeout bounds a single provider's Complete call within
// a round; a slow or hung provider must not stall the whole council.
const DefaultProviderTimeout = 90 * time.Second

// defaultToolBudget caps how many tool calls a single tool-enabled
// deliberation or AskWithTools call may make when the caller doesn't set
// DeliberationConfig.ToolBudget.
const defaultToolBudget = 10

var tracer = otel.Tracer("github.com/conarylabs/mira/internal/council")

type recursionGuardKey struct{}

// withinCouncilCall marks ctx as already inside a council invocation, so
// a tool the council itself exposes cannot re-enter Ask/Deliberate.
func withinCouncilCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, recursionGuardKey{}, true)
}

// isRecursiveCall reports whether ctx already carries the council-call
// marker.
func isRecursiveCall(ctx context.Context) bool {
	v, _ := ctx.Value(recursionGuardKey{}).(bool)
	return v
}

// Config configures New.
type Config struct {
	Claude  *ClaudeConfig
	GPT     *GPTConfig
	Bedrock *BedrockCouncilConfig
	// Synthesizer names which configured provider performs
	// synthesize_deliberation; it must be one of the models present in
	// the resulting Service.
	Synthesizer Model
	// Moderator names which configured provider runs the between-round
	// moderator step; defaults to Synthesizer when unset.
	Moderator       Model
	ProviderTimeout time.Duration
	// Mem and Code back the read-only tool bridge for tool-enabled
	// Deliberate calls and AskWithTools. Both must be set for those
	// paths to do more than fall back to a plain Ask.
	Mem    *memory.Manager
	Code   *codeintel.Store
	Logger *slog.Logger
}

// Service is the council's entry point: a fixed set of providers plus a
// designated synthesizer and moderator.
type Service struct {
	providers       map[Model]Provider
	synthesizer     Model
	moderator       Model
	providerTimeout time.Duration
	mem             *memory.Manager
	code            *codeintel.Store
	log             *slog.Logger
}

// New builds a Service from whichever provider configs are non-nil.
// Returns an error if no provider configured successfully, mirroring the
// predecessor's from_env "no advisory providers configured" bail-out.
func New(ctx context.Context, cfg Config) (*Service, error) {
	const op = "council.New"
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "council")

	providers := make(map[Model]Provider)
	if cfg.Claude != nil {
		p, err := newClaudeProvider(*cfg.Claude)
		if err != nil {
			logger.Warn("claude provider not configured", "error", err)
		} else {
			providers[ModelClaude] = p
		}
	}
	if cfg.GPT != nil {
		p, err := newGPTProvider(*cfg.GPT)
		if err != nil {
			logger.Warn("gpt provider not configured", "error", err)
		} else {
			providers[ModelGPT] = p
		}
	}
	if cfg.Bedrock != nil {
		p, err := newBedrockProvider(ctx, *cfg.Bedrock)
		if err != nil {
			logger.Warn("bedrock provider not configured", "error", err)
		} else {
			providers[ModelBedrock] = p
		}
	}
	if len(providers) == 0 {
		return nil, merrors.Newf(merrors.Unavailable, op, "no council providers configured")
	}

	synthesizer := cfg.Synthesizer
	if synthesizer == "" {
		for m := range providers {
			synthesizer = m
			break
		}
	}
	if _, ok := providers[synthesizer]; !ok {
		return nil, merrors.Newf(merrors.InvalidInput, op, "synthesizer model %q is not among configured providers", synthesizer)
	}

	moderator := cfg.Moderator
	if moderator == "" {
		moderator = synthesizer
	}
	if _, ok := providers[moderator]; !ok {
		return nil, merrors.Newf(merrors.InvalidInput, op, "moderator model %q is not among configured providers", moderator)
	}

	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}

	return &Service{
		providers:       providers,
		synthesizer:     synthesizer,
		moderator:       moderator,
		providerTimeout: timeout,
		mem:             cfg.Mem,
		code:            cfg.Code,
		log:             logger,
	}, nil
}

// Ask performs a single-model, single-turn query.
func (s *Service) Ask(ctx context.Context, model Model, req Request) (Response, error) {
	const op = "council.Ask"
	provider, ok := s.providers[model]
	if !ok {
		return Response{}, merrors.Newf(merrors.InvalidInput, op, "%v: %v", model, ErrProviderNotConfigured)
	}
	ctx, cancel := context.WithTimeout(withinCouncilCall(ctx), s.providerTimeout)
	defer cancel()
	return provider.Complete(ctx, req)
}

// AskWithTools performs a single-model query driven by the agentic tool
// loop: the provider may call recall_memories/search_code/list_tasks/
// list_goals through the read-only tool bridge, feeding results back
// until it gives a final answer or the loop budget is exhausted. Falls
// back to a plain Ask when the service has no memory/codeintel store
// configured to back the bridge.
func (s *Service) AskWithTools(ctx context.Context, model Model, req Request) (Response, error) {
	const op = "council.AskWithTools"
	if isRecursiveCall(ctx) {
		return Response{}, ErrRecursive
	}
	provider, ok := s.providers[model]
	if !ok {
		return Response{}, merrors.Newf(merrors.InvalidInput, op, "%v: %v", model, ErrProviderNotConfigured)
	}
	if s.mem == nil || s.code == nil {
		return s.Ask(ctx, model, req)
	}

	ctx, cancel := context.WithTimeout(withinCouncilCall(ctx), s.providerTimeout)
	defer cancel()
	bridge := toolbridge.New(s.mem, s.code, toolbridge.NewSharedToolBudget(defaultToolBudget), s.log)
	return s.runProviderWithTools(ctx, provider, req, bridge)
}

// runRound fans a Request out to every model in models concurrently,
// each bounded by timeout, and collects every response (or error)
// without letting one slow/failing provider cancel the others. When
// bridge is non-nil, each provider runs through the tool-call loop
// instead of a single Complete.
func (s *Service) runRound(ctx context.Context, roundNum int, models []Model, req Request, sink ProgressSink, bridge *toolbridge.Bridge, timeout time.Duration) DeliberationRound {
	round := DeliberationRound{
		RoundNumber: roundNum,
		Responses:   make(map[Model]Response),
		Errors:      make(map[Model]error),
	}

	type result struct {
		model Model
		resp  Response
		err   error
	}
	results := make(chan result, len(models))

	g, gctx := errgroup.WithContext(withinCouncilCall(ctx))
	for _, model := range models {
		model := model
		provider, ok := s.providers[model]
		if !ok {
			results <- result{model: model, err: ErrProviderNotConfigured}
			continue
		}
		sink.Emit(ProgressEvent{Type: EventModelStarted, Round: roundNum, Model: model})
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			spanCtx, span := tracer.Start(callCtx, "council.round", trace.WithAttributes(
				attribute.Int("council.round", roundNum),
				attribute.String("council.model", string(model)),
			))
			defer span.End()

			var resp Response
			var err error
			if bridge != nil {
				resp, err = s.runProviderWithTools(spanCtx, provider, req, bridge)
				if err == nil {
					sink.Emit(ProgressEvent{Type: EventModelToolsComplete, Round: roundNum, Model: model})
				}
			} else {
				resp, err = provider.Complete(spanCtx, req)
			}
			if err != nil {
				if callCtx.Err() != nil {
					modelTimeoutsTotal.WithLabelValues(string(model)).Inc()
					sink.Emit(ProgressEvent{Type: EventModelTimeout, Round: roundNum, Model: model})
				} else {
					sink.Emit(ProgressEvent{Type: EventModelError, Round: roundNum, Model: model, Error: err.Error()})
				}
				results <- result{model: model, err: err}
				return nil
			}
			sink.Emit(ProgressEvent{Type: EventModelCompleted, Round: roundNum, Model: model})
			results <- result{model: model, resp: resp}
			return nil
		})
	}
	// g.Wait only ever returns nil above, but running it still blocks
	// until every goroutine has sent its result.
	_ = g.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			round.Errors[r.model] = r.err
			s.log.Warn("council provider failed", "model", r.model, "round", roundNum, "error", r.err)
			continue
		}
		round.Responses[r.model] = r.resp
	}
	return round
}

// Deliberate runs up to cfg.MaxRounds of the council over message,
// stopping early once the moderator decides no further round would
// change the outcome, then synthesizes every round into one verdict via
// the designated synthesizer provider. Progress is streamed to
// cfg.Sink (a NoopSink by default).
func (s *Service) Deliberate(ctx context.Context, message string, cfg DeliberationConfig) (DeliberatedSynthesis, error) {
	const op = "council.Deliberate"
	if isRecursiveCall(ctx) {
		return DeliberatedSynthesis{}, ErrRecursive
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 1
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NoopSink{}
	}
	models := cfg.Models
	if len(models) == 0 {
		for m := range s.providers {
			models = append(models, m)
		}
	}
	timeout := cfg.PerModelTimeout
	if timeout <= 0 {
		timeout = s.providerTimeout
	}

	var bridge *toolbridge.Bridge
	if cfg.EnableTools {
		if s.mem == nil || s.code == nil {
			s.log.Warn("deliberation requested tools but council has no memory/codeintel store configured; running without tools")
		} else {
			budget := cfg.ToolBudget
			if budget <= 0 {
				budget = defaultToolBudget
			}
			bridge = toolbridge.New(s.mem, s.code, toolbridge.NewSharedToolBudget(budget), s.log)
		}
	}

	var rounds []DeliberationRound
	var analyses []ModeratorAnalysis

	for roundNum := 1; roundNum <= cfg.MaxRounds; roundNum++ {
		sink.Emit(ProgressEvent{Type: EventRoundStarted, Round: roundNum, MaxRounds: cfg.MaxRounds})

		round := s.runRound(ctx, roundNum, models, Request{Message: message}, sink, bridge, timeout)
		rounds = append(rounds, round)
		if len(round.Responses) == 0 {
			roundsTotal.WithLabelValues("all_failed").Inc()
			sink.Emit(ProgressEvent{Type: EventDeliberationFailed, Round: roundNum, Reason: "every provider failed"})
			sink.Emit(ProgressEvent{Type: EventDone})
			return DeliberatedSynthesis{Rounds: rounds, Moderator: analyses}, merrors.Newf(merrors.Backend, op, "round %d: every provider failed", roundNum)
		}
		roundsTotal.WithLabelValues("ok").Inc()

		if roundNum == cfg.MaxRounds {
			break
		}

		sink.Emit(ProgressEvent{Type: EventModeratorAnalyzing, Round: roundNum})
		analysis, err := s.moderate(ctx, message, round, analyses)
		if err != nil {
			s.log.Warn("moderator call failed; continuing to next round", "round", roundNum, "error", err)
			analysis = ModeratorAnalysis{RoundNumber: roundNum, ShouldContinue: true}
		}
		analyses = append(analyses, analysis)
		sink.Emit(ProgressEvent{Type: EventModeratorComplete, Round: roundNum})

		if !analysis.ShouldContinue {
			sink.Emit(ProgressEvent{Type: EventEarlyConsensus, Round: roundNum, Reason: analysis.EarlyExitReason})
			break
		}
	}

	sink.Emit(ProgressEvent{Type: EventSynthesisStarted})
	synth, err := s.synthesize(ctx, message, rounds)
	if err != nil {
		sink.Emit(ProgressEvent{Type: EventDeliberationFailed, Reason: err.Error()})
		sink.Emit(ProgressEvent{Type: EventDone})
		return DeliberatedSynthesis{}, merrors.New(merrors.Backend, op, err)
	}

	result := DeliberatedSynthesis{Rounds: rounds, Moderator: analyses, Synthesis: synth}
	sink.Emit(ProgressEvent{Type: EventDeliberationComplete, Result: &result})
	sink.Emit(ProgressEvent{Type: EventDone})
	return result, nil
}

// moderate invokes the designated moderator provider with one round's
// responses and every prior moderator analysis, and parses its
// structured decision.
func (s *Service) moderate(ctx context.Context, message string, round DeliberationRound, prior []ModeratorAnalysis) (ModeratorAnalysis, error) {
	const op = "council.moderate"
	provider, ok := s.providers[s.moderator]
	if !ok {
		return ModeratorAnalysis{}, merrors.Newf(merrors.Unavailable, op, "moderator %v not available", s.moderator)
	}

	prompt := buildModeratorPrompt(message, round, prior)
	ctx, cancel := context.WithTimeout(withinCouncilCall(ctx), s.providerTimeout)
	defer cancel()

	resp, err := provider.Complete(ctx, Request{Message: prompt, System: moderatorSystemPrompt})
	if err != nil {
		return ModeratorAnalysis{}, err
	}

	decision, perr := ParseModeratorDecision(resp.Text)
	if perr != nil {
		s.log.Warn("moderator returned non-JSON response, defaulting to continue", "error", perr)
		return ModeratorAnalysis{RoundNumber: round.RoundNumber, ShouldContinue: true}, nil
	}
	decision.RoundNumber = round.RoundNumber
	return decision, nil
}

func (s *Service) synthesize(ctx context.Context, message string, rounds []DeliberationRound) (CouncilSynthesis, error) {
	const op = "council.synthesize"
	provider, ok := s.providers[s.synthesizer]
	if !ok {
		return CouncilSynthesis{}, merrors.Newf(merrors.Unavailable, op, "synthesizer %v not available", s.synthesizer)
	}

	prompt := buildSynthesisPrompt(message, rounds)
	ctx, cancel := context.WithTimeout(withinCouncilCall(ctx), s.providerTimeout)
	defer cancel()

	resp, err := provider.Complete(ctx, Request{Message: prompt, System: synthesisSystemPrompt})
	if err != nil {
		return CouncilSynthesis{}, err
	}

	if synth, perr := ParseSynthesis(resp.Text); perr == nil {
		return synth, nil
	}
	s.log.Warn("synthesizer returned non-JSON response, falling back to raw text")
	return SynthesisFromRawText(resp.Text), nil
}
