package runstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/ratio-decidendi/internal/ratio"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(runID string) ratio.Result {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return ratio.Result{
		Request: ratio.RequestEnvelope{CaseID: "DOE-V-ROE"},
		Messages: []ratio.Turn{
			ratio.UserTurn("Case: Doe v. Roe."),
			ratio.UserTurn("Summarize."),
			ratio.ModelTurn("summary"),
		},
		Final: ratio.ModelTurn("summary"),
		Metadata: ratio.PipelineMetadata{
			RunID:          runID,
			Variant:        ratio.VariantFull,
			Recording:      ratio.RecordPromptAndReply.String(),
			StagesExecuted: []string{"summarizer"},
			StartedAt:      started,
			CompletedAt:    started.Add(2 * time.Second),
		},
	}
}

func TestSaveResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	res := sampleResult("run-1")

	require.NoError(t, s.SaveResult(ctx, res))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "DOE-V-ROE", got.CaseID)
	assert.Equal(t, "summary", got.Ratio)
	assert.Equal(t, []string{"summarizer"}, got.StagesExecuted)
	assert.Equal(t, res.Messages, got.Messages)
	assert.True(t, got.StartedAt.Equal(res.Metadata.StartedAt))
	assert.Nil(t, got.Record)
}

func TestSaveResultWithRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	res := sampleResult("run-rec")
	res.Record = &ratio.RatioRecord{
		RatioDecidendi:  "An occupier owes lawful visitors reasonable care.",
		MaterialFacts:   []string{"the floor was wet"},
		ConfidenceScore: 0.6,
	}
	require.NoError(t, s.SaveResult(ctx, res))

	got, err := s.Get(ctx, "run-rec")
	require.NoError(t, err)
	require.NotNil(t, got.Record)
	assert.Equal(t, *res.Record, *got.Record)
	assert.Equal(t, res.Record.RatioDecidendi, got.Ratio)
}

func TestSaveResultDuplicateRunIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveResult(ctx, sampleResult("dup")))
	require.Error(t, s.SaveResult(ctx, sampleResult("dup")))

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3, "failed insert must not append turns")
}

func TestSaveFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runErr := &ratio.StageError{
		Stage:     "decision_extractor",
		Completed: []ratio.StageID{ratio.Summarizer, ratio.ExpressIssueIdentifier},
		Err:       fmt.Errorf("upstream unavailable"),
	}
	require.NoError(t, s.SaveFailure(ctx, ratio.RequestEnvelope{CaseID: "DOE-V-ROE"}, ratio.VariantFull, runErr))

	runs, err := s.ListByCase(ctx, "DOE-V-ROE")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "decision_extractor", run.FailedStage)
	assert.Equal(t, 2, run.CompletedStages)
	assert.Contains(t, run.Error, "upstream unavailable")

	full, err := s.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Empty(t, full.Messages)
}

func TestListByCaseOrdersByStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	later := sampleResult("run-b")
	later.Metadata.StartedAt = later.Metadata.StartedAt.Add(time.Hour)
	require.NoError(t, s.SaveResult(ctx, later))
	require.NoError(t, s.SaveResult(ctx, sampleResult("run-a")))

	other := sampleResult("run-c")
	other.Request.CaseID = "OTHER"
	require.NoError(t, s.SaveResult(ctx, other))

	runs, err := s.ListByCase(ctx, "DOE-V-ROE")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[0].RunID)
	assert.Equal(t, "run-b", runs[1].RunID)
}

func TestGetUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(context.Background(), sampleResult("run-1")))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}
