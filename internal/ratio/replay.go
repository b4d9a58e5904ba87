package ratio

import (
	"fmt"
	"strings"
)

// ResultFromResponseEnvelope reconstructs a Result from a saved envelope so
// the report can be re-rendered without calling the model again.
func ResultFromResponseEnvelope(env ResponseEnvelope) (Result, error) {
	if strings.TrimSpace(env.CaseID) == "" {
		return Result{}, fmt.Errorf("envelope case_id is required")
	}
	if len(env.Messages) == 0 {
		return Result{}, fmt.Errorf("envelope has no messages")
	}
	for i, t := range env.Messages {
		if err := t.validate(); err != nil {
			return Result{}, fmt.Errorf("envelope message %d: %w", i, err)
		}
	}
	for _, name := range env.PipelineMetadata.StagesExecuted {
		if _, err := ParseStageID(name); err != nil {
			return Result{}, fmt.Errorf("envelope stages_executed: %w", err)
		}
	}
	res := Result{
		Request:  RequestEnvelope{CaseID: strings.TrimSpace(env.CaseID)},
		Messages: append([]Turn(nil), env.Messages...),
		Final:    env.Messages[len(env.Messages)-1],
		Metadata: env.PipelineMetadata,
	}
	if env.Record != nil {
		rec := *env.Record
		if err := validateRatioRecord(rec); err != nil {
			return Result{}, fmt.Errorf("envelope record: %w", err)
		}
		res.Record = &rec
	}
	return res, nil
}

// RebuildResponseFromEnvelope regenerates report markdown from a saved envelope.
func RebuildResponseFromEnvelope(env ResponseEnvelope) (ResponseEnvelope, error) {
	res, err := ResultFromResponseEnvelope(env)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	return BuildResponse(res), nil
}
