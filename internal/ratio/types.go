package ratio

import (
	"fmt"
	"strings"
	"time"
)

const Disclaimer = "This is an automated analysis of a judgment, not legal advice. " +
	"The extracted ratio decidendi should be verified against the full text of the decision " +
	"by a qualified lawyer before it is relied on."

const (
	CapabilityRatioDecidendi = "ratio-decidendi-analysis"
	// MaxJudgmentChars is a byte limit; longer input is cut on a rune boundary.
	MaxJudgmentChars         = 200000
	MinJudgmentChars         = 20
)

// Role tags who authored a turn.
type Role int

const (
	RoleUser Role = iota + 1
	RoleModel
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleModel:
		return "model"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "user":
		*r = RoleUser
	case "model":
		*r = RoleModel
	default:
		return fmt.Errorf("unknown role %q", string(b))
	}
	return nil
}

func (r Role) valid() bool { return r == RoleUser || r == RoleModel }

// Turn is one role-tagged entry of the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserTurn(content string) Turn  { return Turn{Role: RoleUser, Content: content} }
func ModelTurn(content string) Turn { return Turn{Role: RoleModel, Content: content} }

func (t Turn) validate() error {
	if !t.Role.valid() {
		return fmt.Errorf("turn has invalid role %d", int(t.Role))
	}
	if strings.TrimSpace(t.Content) == "" {
		return fmt.Errorf("%s turn has empty content", t.Role)
	}
	return nil
}

// State is the value threaded through every stage. Messages is append-only;
// CurrentStep names the next stage to execute, or End.
type State struct {
	Messages    []Turn
	CurrentStep StageID
}

// NewState validates the seed and returns the entry state for a run.
func NewState(seed []Turn, entry StageID) (State, error) {
	if len(seed) == 0 {
		return State{}, fmt.Errorf("seed history is empty")
	}
	for i, t := range seed {
		if err := t.validate(); err != nil {
			return State{}, fmt.Errorf("seed turn %d: %w", i, err)
		}
	}
	if entry == End {
		return State{}, &ConfigurationError{Reason: "entry stage is the terminal marker"}
	}
	if !entry.valid() {
		return State{}, &ConfigurationError{Reason: fmt.Sprintf("entry stage %d is not a known stage", int(entry))}
	}
	msgs := make([]Turn, len(seed))
	copy(msgs, seed)
	return State{Messages: msgs, CurrentStep: entry}, nil
}

// Append returns a new State holding s.Messages followed by turns. The
// receiver's backing array is never shared with the result.
func (s State) Append(next StageID, turns ...Turn) State {
	msgs := make([]Turn, 0, len(s.Messages)+len(turns))
	msgs = append(msgs, s.Messages...)
	msgs = append(msgs, turns...)
	return State{Messages: msgs, CurrentStep: next}
}

// Last returns the most recent turn.
func (s State) Last() (Turn, bool) {
	if len(s.Messages) == 0 {
		return Turn{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Recording selects which turns a stage appends to the history.
type Recording int

const (
	RecordPromptAndReply Recording = iota
	RecordReplyOnly
)

func (r Recording) String() string {
	if r == RecordReplyOnly {
		return "reply-only"
	}
	return "prompt-and-reply"
}

// TurnsPerStage is how much the history grows per executed stage.
func (r Recording) TurnsPerStage() int {
	if r == RecordReplyOnly {
		return 1
	}
	return 2
}

type RequestMetadata struct {
	SourceFilename   string `json:"source_filename,omitempty"`
	ExtractionMethod string `json:"extraction_method,omitempty"`
	Truncated        bool   `json:"truncated,omitempty"`
}

type RequestEnvelope struct {
	CaseID       string          `json:"case_id"`
	JudgmentText string          `json:"judgment_text"`
	Variant      string          `json:"variant,omitempty"`
	Metadata     RequestMetadata `json:"metadata,omitempty"`
}

type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

type PipelineMetadata struct {
	RunID          string        `json:"run_id,omitempty"`
	Variant        string        `json:"variant"`
	Recording      string        `json:"recording"`
	StagesExecuted []string      `json:"stages_executed"`
	StageTimings   []StageTiming `json:"stage_timings,omitempty"`
	TotalLLMCalls  int           `json:"total_llm_calls"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	InputTruncated bool          `json:"input_truncated"`
}

// Result is what a successful run hands back to its caller.
type Result struct {
	Request  RequestEnvelope
	Messages []Turn
	Final    Turn
	Record   *RatioRecord
	Metadata PipelineMetadata
}

type ResponseEnvelope struct {
	CaseID           string           `json:"case_id"`
	RatioDecidendi   string           `json:"ratio_decidendi"`
	Record           *RatioRecord     `json:"record,omitempty"`
	ReportMarkdown   string           `json:"report_markdown"`
	Messages         []Turn           `json:"messages"`
	PipelineMetadata PipelineMetadata `json:"pipeline_metadata"`
	Disclaimer       string           `json:"disclaimer"`
}
