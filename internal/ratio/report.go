package ratio

import (
	"fmt"
	"strings"
	"time"
)

func BuildResponse(result Result) ResponseEnvelope {
	env := ResponseEnvelope{
		CaseID:           result.Request.CaseID,
		RatioDecidendi:   ratioText(result),
		Record:           result.Record,
		Messages:         result.Messages,
		PipelineMetadata: result.Metadata,
		Disclaimer:       Disclaimer,
	}
	env.ReportMarkdown = buildMarkdown(result)
	return env
}

func ratioText(result Result) string {
	if result.Record != nil {
		return result.Record.RatioDecidendi
	}
	return strings.TrimSpace(result.Final.Content)
}

func buildMarkdown(result Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Ratio Decidendi Report\n\n")
	fmt.Fprintf(&b, "- Case ID: %s\n", result.Request.CaseID)
	fmt.Fprintf(&b, "- Variant: %s (%s)\n", result.Metadata.Variant, result.Metadata.Recording)
	completed := result.Metadata.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	fmt.Fprintf(&b, "- Date: %s\n\n", completed.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s\n\n", Disclaimer)

	fmt.Fprintf(&b, "## Ratio Decidendi\n\n")
	fmt.Fprintf(&b, "%s\n\n", ratioText(result))

	if rec := result.Record; rec != nil {
		fmt.Fprintf(&b, "### Material Facts\n\n")
		for _, f := range rec.MaterialFacts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
		if len(rec.LegalPrinciples) > 0 {
			fmt.Fprintf(&b, "### Legal Principles\n\n")
			for _, p := range rec.LegalPrinciples {
				fmt.Fprintf(&b, "- %s\n", p)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Model confidence: %.2f\n\n", rec.ConfidenceScore)
	}

	fmt.Fprintf(&b, "## Analysis\n\n")
	for i, section := range stageSections(result) {
		fmt.Fprintf(&b, "### Stage %d: %s\n\n", i+1, stageLabel(section.stage))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(section.reply))
	}

	fmt.Fprintf(&b, "## Appendix\n\n")
	fmt.Fprintf(&b, "| Stage | Duration |\n|---|---|\n")
	for _, t := range result.Metadata.StageTimings {
		fmt.Fprintf(&b, "| %s | %s |\n", t.Stage, t.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "\n- Model calls: %d\n", result.Metadata.TotalLLMCalls)
	fmt.Fprintf(&b, "- History turns: %d\n", len(result.Messages))
	if result.Metadata.InputTruncated {
		fmt.Fprintf(&b, "- Input judgment was truncated to %d bytes\n", MaxJudgmentChars)
	}
	return b.String()
}

type stageSection struct {
	stage StageID
	reply string
}

// stageSections pairs each executed stage with its reply. Model turns appear
// in stage order whatever the recording mode, so the last N model turns
// belong to the N executed stages.
func stageSections(result Result) []stageSection {
	var replies []string
	for _, t := range result.Messages {
		if t.Role == RoleModel {
			replies = append(replies, t.Content)
		}
	}
	stages := result.Metadata.StagesExecuted
	if len(replies) > len(stages) {
		replies = replies[len(replies)-len(stages):]
	}
	out := make([]stageSection, 0, len(replies))
	for i, r := range replies {
		id, err := ParseStageID(stages[i])
		if err != nil {
			continue
		}
		out = append(out, stageSection{stage: id, reply: r})
	}
	return out
}
