package ratio

import (
	"fmt"
	"strings"
)

// StageID identifies one stage of the analysis. End is the terminal marker.
type StageID int

const (
	End StageID = iota
	Summarizer
	ExpressIssueIdentifier
	DecisionExtractor
	ArgumentIdentifier
	ImplicitIssueIdentifier
	ReasoningTracer
	InitialRatioDecider
	MaterialFactHighlighter
	FinalRatioDecider
)

var stageNames = map[StageID]string{
	End:                     "end",
	Summarizer:              "summarizer",
	ExpressIssueIdentifier:  "express_issue_identifier",
	DecisionExtractor:       "decision_extractor",
	ArgumentIdentifier:      "argument_identifier",
	ImplicitIssueIdentifier: "implicit_issue_identifier",
	ReasoningTracer:         "reasoning_tracer",
	InitialRatioDecider:     "initial_ratio_decider",
	MaterialFactHighlighter: "material_fact_highlighter",
	FinalRatioDecider:       "final_ratio_decider",
}

func (s StageID) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s StageID) valid() bool {
	_, ok := stageNames[s]
	return ok && s != End
}

// ParseStageID maps a stage name back to its identifier. "end" parses to End.
func ParseStageID(name string) (StageID, error) {
	name = strings.TrimSpace(name)
	for id, n := range stageNames {
		if n == name {
			return id, nil
		}
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown stage name %q", name)}
}

func (s StageID) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StageID) UnmarshalText(b []byte) error {
	id, err := ParseStageID(string(b))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

var stagePrompts = map[StageID]string{
	Summarizer:              "Summarize the key elements of this legal decision, including parties, facts, and outcome.",
	ExpressIssueIdentifier:  "Based on the summary, identify and list all explicitly stated legal issues in this case.",
	DecisionExtractor:       "Extract and clearly state the court's final decision in this case.",
	ArgumentIdentifier:      "Based on the decision and previously identified issues, identify and summarize the key arguments presented by each party in this case.",
	ImplicitIssueIdentifier: "Considering the court's decision, the arguments identified, and the previously identified express issues, identify any implicit legal issues that the court addressed or that are crucial to understanding the decision.",
	ReasoningTracer:         "Analyze the court's reasoning process, connecting the identified issues (both express and implicit), arguments, and decision. Highlight key logical steps and legal principles applied.",
	InitialRatioDecider:     "Based on the traced reasoning, formulate an initial ratio decidendi. Focus on the essential rule or principle that was necessary for the court's decision.",
	MaterialFactHighlighter: "Given the initial ratio decidendi, identify and highlight the material facts from the case that are crucial to this legal principle.",
	FinalRatioDecider:       "Considering the initial ratio and the highlighted material facts, refine and finalize the ratio decidendi. Ensure it captures the essential rule of law that was necessary for the court's decision and is grounded in the material facts of the case.",
}

const ratioRecordSchemaPrompt = `Respond with strict JSON only, matching this schema:
{
  "ratio_decidendi": "string (min 20 chars)",
  "material_facts": ["string (1-20 entries)"],
  "legal_principles": ["string (0-20 entries)"],
  "confidence_score": "float (0.0-1.0)"
}`

// StagePrompt returns the fixed instruction for a stage.
func StagePrompt(id StageID, structured bool) string {
	p := stagePrompts[id]
	if structured {
		p += "\n\n" + ratioRecordSchemaPrompt
	}
	return p
}

// CaseTurn wraps raw judgment text as the seed turn of a run.
func CaseTurn(judgmentText string) Turn {
	return UserTurn("The following is the full text of a legal judgment to analyze.\n\n" + judgmentText)
}

// Variant is one configuration of the pipeline: the stage path, what each
// stage records and how the model is sampled.
type Variant struct {
	Name            string
	Path            []StageID
	Recording       Recording
	Temperature     float64
	StructuredFinal bool
}

func (v Variant) Entry() StageID {
	if len(v.Path) == 0 {
		return End
	}
	return v.Path[0]
}

const (
	VariantFull      = "full"
	VariantReplyOnly = "reply-only"
	VariantCondensed = "condensed"
)

var fullPath = []StageID{
	Summarizer,
	ExpressIssueIdentifier,
	DecisionExtractor,
	ArgumentIdentifier,
	ImplicitIssueIdentifier,
	ReasoningTracer,
	InitialRatioDecider,
	MaterialFactHighlighter,
	FinalRatioDecider,
}

// BuiltinVariants returns fresh copies of the shipped configurations.
func BuiltinVariants() map[string]Variant {
	return map[string]Variant{
		VariantFull: {
			Name:      VariantFull,
			Path:      append([]StageID(nil), fullPath...),
			Recording: RecordPromptAndReply,
		},
		VariantReplyOnly: {
			Name:        VariantReplyOnly,
			Path:        append([]StageID(nil), fullPath...),
			Recording:   RecordReplyOnly,
			Temperature: 0.7,
		},
		VariantCondensed: {
			Name:            VariantCondensed,
			Path:            []StageID{Summarizer, ExpressIssueIdentifier, ReasoningTracer, InitialRatioDecider, FinalRatioDecider},
			Recording:       RecordPromptAndReply,
			StructuredFinal: true,
		},
	}
}

// LookupVariant resolves a variant by name, defaulting to full.
func LookupVariant(name string, extra map[string]Variant) (Variant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = VariantFull
	}
	if v, ok := extra[name]; ok {
		return v, nil
	}
	if v, ok := BuiltinVariants()[name]; ok {
		return v, nil
	}
	return Variant{}, &ConfigurationError{Reason: fmt.Sprintf("unknown variant %q", name)}
}
