package ratio

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

type stubInvoker struct {
	calls   []StageID
	lengths []int
	temps   []float64
	failOn  map[StageID]error
	replies map[StageID]string
}

func (s *stubInvoker) Invoke(_ context.Context, turns []Turn, opts InvokeOptions) (Turn, error) {
	s.calls = append(s.calls, opts.Stage)
	s.lengths = append(s.lengths, len(turns))
	s.temps = append(s.temps, opts.Temperature)
	if err := s.failOn[opts.Stage]; err != nil {
		return Turn{}, err
	}
	if r, ok := s.replies[opts.Stage]; ok {
		return ModelTurn(r), nil
	}
	return ModelTurn(opts.Stage.String() + "-output"), nil
}

const doeVRoe = "Case: Doe v. Roe. Facts: ... Decision: plaintiff wins."

func mustVariant(t *testing.T, name string) Variant {
	t.Helper()
	v, err := LookupVariant(name, nil)
	if err != nil {
		t.Fatalf("LookupVariant(%q): %v", name, err)
	}
	return v
}

func mustPipeline(t *testing.T, inv ModelInvoker, v Variant) *Pipeline {
	t.Helper()
	p, err := NewPipeline(inv, v)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func TestRunFullVariantEndToEnd(t *testing.T) {
	inv := &stubInvoker{}
	p := mustPipeline(t, inv, mustVariant(t, VariantFull))

	res, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	if err != nil {
		t.Fatalf("RunSeed: %v", err)
	}
	if len(res.Messages) != 19 {
		t.Fatalf("expected 19 turns, got %d", len(res.Messages))
	}
	if res.Final.Content != "final_ratio_decider-output" || res.Final.Role != RoleModel {
		t.Fatalf("unexpected final turn: %+v", res.Final)
	}
	if res.Messages[0].Content != doeVRoe {
		t.Fatalf("seed turn changed: %q", res.Messages[0].Content)
	}
	if diff := cmp.Diff(fullPath, inv.calls); diff != "" {
		t.Fatalf("stage order mismatch (-want +got):\n%s", diff)
	}
	for i, n := range inv.lengths {
		if want := 2 + 2*i; n != want {
			t.Fatalf("call %d saw %d turns, want %d", i, n, want)
		}
	}
	if res.Metadata.TotalLLMCalls != 9 || len(res.Metadata.StagesExecuted) != 9 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
	if res.Metadata.RunID == "" {
		t.Fatal("expected run id")
	}
}

func TestRunRecordsPromptThenReply(t *testing.T) {
	p := mustPipeline(t, &stubInvoker{}, mustVariant(t, VariantFull))
	res, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	if err != nil {
		t.Fatalf("RunSeed: %v", err)
	}
	for i, id := range fullPath {
		prompt, reply := res.Messages[1+2*i], res.Messages[2+2*i]
		if prompt.Role != RoleUser || prompt.Content != StagePrompt(id, false) {
			t.Fatalf("turn %d: expected %s prompt, got %+v", 1+2*i, id, prompt)
		}
		if reply.Role != RoleModel || reply.Content != id.String()+"-output" {
			t.Fatalf("turn %d: expected %s reply, got %+v", 2+2*i, id, reply)
		}
	}
}

func TestRunReplyOnlyVariant(t *testing.T) {
	inv := &stubInvoker{}
	v := mustVariant(t, VariantReplyOnly)
	p := mustPipeline(t, inv, v)

	res, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	if err != nil {
		t.Fatalf("RunSeed: %v", err)
	}
	if want := 1 + 9*RecordReplyOnly.TurnsPerStage(); len(res.Messages) != want {
		t.Fatalf("expected %d turns, got %d", want, len(res.Messages))
	}
	for i, n := range inv.lengths {
		if want := 2 + i; n != want {
			t.Fatalf("call %d saw %d turns, want %d", i, n, want)
		}
	}
	for _, temp := range inv.temps {
		if temp != v.Temperature {
			t.Fatalf("expected temperature %.1f, got %.1f", v.Temperature, temp)
		}
	}
	for _, turn := range res.Messages[1:] {
		if turn.Role != RoleModel {
			t.Fatalf("reply-only history should hold model turns after the seed, got %+v", turn)
		}
	}
}

func TestRunIsDeterministicWithFixedStub(t *testing.T) {
	p := mustPipeline(t, &stubInvoker{}, mustVariant(t, VariantFull))
	seed := []Turn{UserTurn(doeVRoe)}
	first, err := p.RunSeed(context.Background(), seed, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.RunSeed(context.Background(), seed, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff(first.Messages, second.Messages); diff != "" {
		t.Fatalf("histories differ (-first +second):\n%s", diff)
	}
	if len(seed) != 1 || seed[0].Content != doeVRoe {
		t.Fatal("seed slice was modified")
	}
}

func TestRunExternalFailureOnThirdStage(t *testing.T) {
	inv := &stubInvoker{failOn: map[StageID]error{DecisionExtractor: errors.New("status code: 503 service unavailable")}}
	p := mustPipeline(t, inv, mustVariant(t, VariantFull))

	res, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Messages != nil {
		t.Fatalf("partial history should be discarded, got %d turns", len(res.Messages))
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageError, got %T", err)
	}
	if se.Stage != "decision_extractor" || StageNameFromError(err) != "decision_extractor" {
		t.Fatalf("unexpected failing stage %q", se.Stage)
	}
	if diff := cmp.Diff([]StageID{Summarizer, ExpressIssueIdentifier}, se.Completed); diff != "" {
		t.Fatalf("completed mismatch (-want +got):\n%s", diff)
	}
	if CompletedStages(err) != 2 {
		t.Fatalf("expected 2 completed stages, got %d", CompletedStages(err))
	}
	var ce *ExternalCallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ExternalCallError in chain, got %v", err)
	}
	if ce.Kind != FailureServer {
		t.Fatalf("expected server failure, got %s", ce.Kind)
	}
	if len(inv.calls) != 3 {
		t.Fatalf("no stage should run after the failure, got %d calls", len(inv.calls))
	}
}

func TestRunMalformedReply(t *testing.T) {
	inv := &stubInvoker{replies: map[StageID]string{Summarizer: "   "}}
	p := mustPipeline(t, inv, mustVariant(t, VariantFull))
	_, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	var ce *ExternalCallError
	if !errors.As(err, &ce) || ce.Kind != FailureMalformed {
		t.Fatalf("expected malformed external call error, got %v", err)
	}
	if CompletedStages(err) != 0 {
		t.Fatalf("expected 0 completed stages, got %d", CompletedStages(err))
	}
}

func TestRunCondensedStructuredFinal(t *testing.T) {
	record := "```json\n" + `{"ratio_decidendi":"A landowner owes a duty of care to lawful visitors.","material_facts":["plaintiff was a lawful visitor"],"legal_principles":["occupiers' liability"],"confidence_score":0.8}` + "\n```"
	inv := &stubInvoker{replies: map[StageID]string{FinalRatioDecider: record}}
	p := mustPipeline(t, inv, mustVariant(t, VariantCondensed))

	res, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	if err != nil {
		t.Fatalf("RunSeed: %v", err)
	}
	if len(res.Messages) != 1+2*5 {
		t.Fatalf("expected 11 turns, got %d", len(res.Messages))
	}
	if res.Record == nil || !strings.Contains(res.Record.RatioDecidendi, "duty of care") {
		t.Fatalf("expected parsed record, got %+v", res.Record)
	}
	if res.Final.Content != record {
		t.Fatal("structured reply should be kept verbatim in history")
	}
	prompt := res.Messages[len(res.Messages)-2]
	if !strings.Contains(prompt.Content, "Respond with strict JSON only") {
		t.Fatal("final prompt should carry the record schema")
	}
}

func TestRunCondensedValidationFailure(t *testing.T) {
	inv := &stubInvoker{replies: map[StageID]string{FinalRatioDecider: "The ratio is that landowners owe a duty."}}
	p := mustPipeline(t, inv, mustVariant(t, VariantCondensed))

	_, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if StageNameFromError(err) != "final_ratio_decider" || CompletedStages(err) != 4 {
		t.Fatalf("unexpected stage error: %v", err)
	}
}

func TestRunProgressEvents(t *testing.T) {
	short := Variant{Name: "short", Path: []StageID{Summarizer, ExpressIssueIdentifier, ReasoningTracer, InitialRatioDecider, FinalRatioDecider}}
	p := mustPipeline(t, &stubInvoker{}, short)

	var stages []string
	_, err := p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, func(stage, message string) {
		stages = append(stages, stage)
		if message == "" {
			t.Fatal("empty progress message")
		}
	})
	if err != nil {
		t.Fatalf("RunSeed: %v", err)
	}
	if len(stages) != 10 {
		t.Fatalf("expected start+complete per stage (10), got %d", len(stages))
	}
	if stages[0] != "summarizer" || stages[9] != "final_ratio_decider" {
		t.Fatalf("unexpected progress order: %v", stages)
	}
}

func TestRunCanceledContextStopsAtStageBoundary(t *testing.T) {
	inv := &stubInvoker{}
	p := mustPipeline(t, inv, mustVariant(t, VariantFull))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.RunSeed(ctx, []Turn{UserTurn(doeVRoe)}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("expected no model calls, got %d", len(inv.calls))
	}
}

func TestRunRejectsStageDeclaringWrongSuccessor(t *testing.T) {
	rogue := func(id, successor StageID) StageFunc {
		return func(_ context.Context, s State) (State, error) {
			next := successor
			if id == ExpressIssueIdentifier {
				next = MaterialFactHighlighter
			}
			return s.Append(next, ModelTurn(id.String())), nil
		}
	}
	p, err := NewPipelineWithFactory(mustVariant(t, VariantFull), rogue)
	if err != nil {
		t.Fatalf("NewPipelineWithFactory: %v", err)
	}
	_, err = p.RunSeed(context.Background(), []Turn{UserTurn(doeVRoe)}, nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if StageNameFromError(err) != "express_issue_identifier" {
		t.Fatalf("unexpected stage %q", StageNameFromError(err))
	}
}

func TestRunRejectsInvalidSeed(t *testing.T) {
	p := mustPipeline(t, &stubInvoker{}, mustVariant(t, VariantFull))
	if _, err := p.RunSeed(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for empty seed")
	}
	if _, err := p.RunSeed(context.Background(), []Turn{{Role: RoleUser, Content: " "}}, nil); err == nil {
		t.Fatal("expected error for blank seed turn")
	}
}

func TestRunWithRequestEnvelope(t *testing.T) {
	p := mustPipeline(t, &stubInvoker{}, mustVariant(t, VariantFull))

	if _, err := p.Run(context.Background(), RequestEnvelope{JudgmentText: doeVRoe}); err == nil {
		t.Fatal("expected case_id error")
	}
	if _, err := p.Run(context.Background(), RequestEnvelope{CaseID: "DOE-1", JudgmentText: "too short"}); err == nil {
		t.Fatal("expected insufficient text error")
	}

	long := strings.Repeat("x", MaxJudgmentChars+50)
	res, err := p.Run(context.Background(), RequestEnvelope{CaseID: "DOE-1", JudgmentText: long})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Metadata.InputTruncated {
		t.Fatal("expected input truncation flag")
	}
	if len(res.Request.JudgmentText) != MaxJudgmentChars {
		t.Fatalf("expected truncated text, got %d chars", len(res.Request.JudgmentText))
	}
	if res.Request.CaseID != "DOE-1" {
		t.Fatalf("unexpected case id %q", res.Request.CaseID)
	}
}

func TestRunTruncatesOnRuneBoundary(t *testing.T) {
	p := mustPipeline(t, &stubInvoker{}, mustVariant(t, VariantFull))

	// "§" is two bytes; after the leading "x" every rune ends on an odd offset.
	long := "x" + strings.Repeat("§", MaxJudgmentChars)
	res, err := p.Run(context.Background(), RequestEnvelope{CaseID: "DOE-1", JudgmentText: long})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Metadata.InputTruncated {
		t.Fatal("expected input truncation flag")
	}
	got := res.Request.JudgmentText
	if len(got) != MaxJudgmentChars-1 {
		t.Fatalf("expected cut one byte short of the limit, got %d bytes", len(got))
	}
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "§") {
		t.Fatalf("truncated judgment is not valid UTF-8, ends with % x", got[len(got)-3:])
	}
	if seed := res.Messages[0].Content; !utf8.ValidString(seed) || !strings.HasSuffix(seed, got) {
		t.Fatal("seed turn does not carry the truncated judgment intact")
	}
}

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{in: "abc", n: 5, want: "abc"},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "a§b", n: 2, want: "a"},
		{in: "a§b", n: 3, want: "a§"},
		{in: "日本", n: 5, want: "日"},
		{in: "日本", n: 2, want: ""},
	}
	for _, tc := range cases {
		if got := truncateUTF8(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncateUTF8(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestNewPipelineRequiresInvoker(t *testing.T) {
	_, err := NewPipeline(nil, mustVariant(t, VariantFull))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
}
