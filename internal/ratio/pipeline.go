package ratio

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/joelkehle/ratio-decidendi/internal/ratio"

type StageProgressFn func(stage, message string)

type Pipeline struct {
	variant  Variant
	registry *Registry
	tracer   trace.Tracer
}

// NewPipeline builds the registry for variant with model-backed stages.
func NewPipeline(invoker ModelInvoker, variant Variant) (*Pipeline, error) {
	if invoker == nil {
		return nil, &ConfigurationError{Reason: "model invoker is nil"}
	}
	return NewPipelineWithFactory(variant, modelStageFactory(invoker, variant))
}

// NewPipelineWithFactory builds a pipeline whose stage functions come from
// factory instead of a model.
func NewPipelineWithFactory(variant Variant, factory StageFactory) (*Pipeline, error) {
	reg, err := NewRegistry(variant.Path, factory)
	if err != nil {
		return nil, err
	}
	return &Pipeline{variant: variant, registry: reg, tracer: otel.Tracer(tracerName)}, nil
}

func (p *Pipeline) Variant() Variant    { return p.variant }
func (p *Pipeline) Registry() *Registry { return p.registry }

// Run validates a request envelope and analyzes its judgment text.
func (p *Pipeline) Run(ctx context.Context, req RequestEnvelope) (Result, error) {
	return p.RunWithProgress(ctx, req, nil)
}

func (p *Pipeline) RunWithProgress(ctx context.Context, req RequestEnvelope, progress StageProgressFn) (Result, error) {
	if strings.TrimSpace(req.CaseID) == "" {
		return Result{}, fmt.Errorf("case_id is required")
	}
	if len(strings.TrimSpace(req.JudgmentText)) < MinJudgmentChars {
		return Result{}, fmt.Errorf("judgment text is insufficient for analysis")
	}
	truncated := false
	if len(req.JudgmentText) > MaxJudgmentChars {
		req.JudgmentText = truncateUTF8(req.JudgmentText, MaxJudgmentChars)
		truncated = true
	}
	res, err := p.RunSeed(ctx, []Turn{CaseTurn(req.JudgmentText)}, progress)
	if err != nil {
		return Result{}, err
	}
	res.Request = req
	res.Metadata.InputTruncated = truncated
	return res, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// RunSeed drives the registered stages from the entry stage until End. On
// failure the partial history is dropped and a *StageError is returned.
func (p *Pipeline) RunSeed(ctx context.Context, seed []Turn, progress StageProgressFn) (Result, error) {
	res := Result{
		Metadata: PipelineMetadata{
			RunID:     uuid.NewString(),
			Variant:   p.variant.Name,
			Recording: p.variant.Recording.String(),
			StartedAt: time.Now(),
		},
	}
	ctx, span := p.tracer.Start(ctx, "ratio.run", trace.WithAttributes(
		attribute.String("ratio.run_id", res.Metadata.RunID),
		attribute.String("ratio.variant", p.variant.Name),
		attribute.Int("ratio.seed_turns", len(seed)),
	))
	defer span.End()

	state, err := NewState(seed, p.registry.Entry())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid seed")
		return Result{}, &StageError{Stage: p.registry.Entry().String(), Err: err}
	}

	var completed []StageID
	for Route(state) != End {
		id := Route(state)
		fail := func(err error) (Result, error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, id.String())
			span.SetAttributes(attribute.String("ratio.completed", completedNames(completed)))
			return Result{}, &StageError{Stage: id.String(), Completed: append([]StageID(nil), completed...), Err: err}
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		st, err := p.registry.lookup(id)
		if err != nil {
			return fail(err)
		}

		emit(progress, id.String(), fmt.Sprintf("Stage %d/%d: %s...", len(completed)+1, p.registry.Len(), stageLabel(id)))
		started := time.Now()
		next, err := p.runStage(ctx, id, st, state)
		if err != nil {
			return fail(err)
		}
		if len(next.Messages) < len(state.Messages) {
			return fail(&ConfigurationError{Reason: "stage shortened the history", Stage: id.String()})
		}
		if next.CurrentStep != st.successor {
			return fail(&ConfigurationError{Reason: fmt.Sprintf("stage declared %s, registry expects %s", next.CurrentStep, st.successor), Stage: id.String()})
		}
		elapsed := time.Since(started)
		emit(progress, id.String(), fmt.Sprintf("%s complete in %s", stageLabel(id), elapsed.Round(time.Millisecond)))

		completed = append(completed, id)
		res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, id.String())
		res.Metadata.StageTimings = append(res.Metadata.StageTimings, StageTiming{Stage: id.String(), Duration: elapsed})
		res.Metadata.TotalLLMCalls++
		state = next
	}

	res.Messages = state.Messages
	res.Final, _ = state.Last()
	if p.variant.StructuredFinal {
		rec, err := ParseRatioRecord(completed[len(completed)-1], res.Final.Content)
		if err != nil {
			return Result{}, &StageError{Stage: completed[len(completed)-1].String(), Completed: completed, Err: err}
		}
		res.Record = &rec
	}
	res.Metadata.CompletedAt = time.Now()
	span.SetAttributes(attribute.Int("ratio.turns", len(res.Messages)))
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, id StageID, st registeredStage, state State) (State, error) {
	ctx, span := p.tracer.Start(ctx, "ratio.stage", trace.WithAttributes(attribute.String("ratio.stage", id.String())))
	defer span.End()
	next, err := st.run(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return next, err
}

// modelStageFactory returns the stage template shared by every stage: append
// one prompt, call the model on the whole history, record the reply.
func modelStageFactory(invoker ModelInvoker, variant Variant) StageFactory {
	last := variant.Entry()
	if n := len(variant.Path); n > 0 {
		last = variant.Path[n-1]
	}
	return func(id, successor StageID) StageFunc {
		structured := variant.StructuredFinal && id == last
		prompt := UserTurn(StagePrompt(id, structured))
		return func(ctx context.Context, s State) (State, error) {
			outbound := make([]Turn, 0, len(s.Messages)+1)
			outbound = append(outbound, s.Messages...)
			outbound = append(outbound, prompt)

			reply, err := callModel(ctx, invoker, outbound, InvokeOptions{Stage: id, Temperature: variant.Temperature})
			if err != nil {
				return State{}, err
			}
			if structured {
				if _, err := ParseRatioRecord(id, reply.Content); err != nil {
					return State{}, err
				}
			}
			if variant.Recording == RecordReplyOnly {
				return s.Append(successor, reply), nil
			}
			return s.Append(successor, prompt, reply), nil
		}
	}
}

func emit(progress StageProgressFn, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}

func stageLabel(id StageID) string {
	switch id {
	case Summarizer:
		return "Summarizing the decision"
	case ExpressIssueIdentifier:
		return "Identifying express issues"
	case DecisionExtractor:
		return "Extracting the decision"
	case ArgumentIdentifier:
		return "Identifying the parties' arguments"
	case ImplicitIssueIdentifier:
		return "Identifying implicit issues"
	case ReasoningTracer:
		return "Tracing the court's reasoning"
	case InitialRatioDecider:
		return "Formulating the initial ratio"
	case MaterialFactHighlighter:
		return "Highlighting material facts"
	case FinalRatioDecider:
		return "Finalizing the ratio decidendi"
	default:
		return id.String()
	}
}
