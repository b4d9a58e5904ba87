package ratio

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RatioRecord is the machine-readable reply of a structured final stage.
type RatioRecord struct {
	RatioDecidendi  string   `json:"ratio_decidendi"`
	MaterialFacts   []string `json:"material_facts"`
	LegalPrinciples []string `json:"legal_principles"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// ParseRatioRecord decodes a model reply into a RatioRecord. Any failure is a
// *ValidationError tagged with stage.
func ParseRatioRecord(stage StageID, content string) (RatioRecord, error) {
	var rec RatioRecord
	clean := stripCodeFences(content)
	if err := json.Unmarshal([]byte(clean), &rec); err != nil {
		return RatioRecord{}, &ValidationError{Stage: stage.String(), Reason: "reply is not valid JSON", Err: err}
	}
	if err := validateRatioRecord(rec); err != nil {
		return RatioRecord{}, &ValidationError{Stage: stage.String(), Reason: err.Error()}
	}
	return rec, nil
}

func validateRatioRecord(r RatioRecord) error {
	if n := len(strings.TrimSpace(r.RatioDecidendi)); n < 20 {
		return fmt.Errorf("ratio_decidendi must be at least 20 chars, got %d", n)
	}
	if len(r.MaterialFacts) == 0 || len(r.MaterialFacts) > 20 {
		return fmt.Errorf("material_facts must have 1-20 entries, got %d", len(r.MaterialFacts))
	}
	for i, f := range r.MaterialFacts {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("material_facts[%d] is empty", i)
		}
	}
	if len(r.LegalPrinciples) > 20 {
		return fmt.Errorf("legal_principles must have at most 20 entries, got %d", len(r.LegalPrinciples))
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score must be in [0,1], got %.2f", r.ConfidenceScore)
	}
	return nil
}
