package ratio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joelkehle/ratio-decidendi/internal/judgment"
)

type AgentConfig struct {
	BusURL         string
	AgentID        string
	Secret         string
	PollWaitSec    int
	DefaultVariant string
	Heartbeat      time.Duration
	// AttachmentRoot bounds which local files a file:// attachment may name.
	AttachmentRoot string
}

// RunRecorder persists finished and failed runs.
type RunRecorder interface {
	SaveResult(ctx context.Context, res Result) error
	SaveFailure(ctx context.Context, req RequestEnvelope, variant string, err error) error
}

// Agent pulls analysis requests from the bus and answers each with a
// ResponseEnvelope. Requests are handled one at a time.
type Agent struct {
	cfg       AgentConfig
	client    *Client
	pipelines map[string]*Pipeline
	recorder  RunRecorder
	logger    *zap.Logger
	cursor    int
}

func NewAgent(cfg AgentConfig, pipelines map[string]*Pipeline, recorder RunRecorder, logger *zap.Logger) *Agent {
	if cfg.PollWaitSec <= 0 {
		cfg.PollWaitSec = 5
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 60 * time.Second
	}
	if strings.TrimSpace(cfg.DefaultVariant) == "" {
		cfg.DefaultVariant = VariantFull
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:       cfg,
		client:    NewClient(cfg.BusURL),
		pipelines: pipelines,
		recorder:  recorder,
		logger:    logger.With(zap.String("agent_id", cfg.AgentID)),
	}
}

func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.logger.Info("registered", zap.String("capability", CapabilityRatioDecidendi))
	heartbeat := time.NewTicker(a.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := a.register(ctx); err != nil {
				a.logger.Warn("heartbeat register failed", zap.Error(err))
			}
		default:
			events, next, err := a.client.PollInbox(ctx, a.cfg.AgentID, a.cfg.Secret, a.cursor, a.cfg.PollWaitSec)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn("poll failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			a.cursor = next
			for _, evt := range events {
				if err := a.handleEvent(ctx, evt); err != nil {
					a.logger.Error("handle event failed", zap.String("message_id", evt.MessageID), zap.Error(err))
				}
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	return a.client.RegisterAgent(ctx, a.cfg.AgentID, a.cfg.Secret, []string{CapabilityRatioDecidendi})
}

func (a *Agent) pipelineFor(name string) (*Pipeline, error) {
	if strings.TrimSpace(name) == "" {
		name = a.cfg.DefaultVariant
	}
	p, ok := a.pipelines[name]
	if !ok {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("variant %q is not served by this agent", name)}
	}
	return p, nil
}

func (a *Agent) handleEvent(ctx context.Context, evt InboxEvent) error {
	log := a.logger.With(zap.String("message_id", evt.MessageID), zap.String("from", evt.From))
	if err := a.client.Ack(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "accepted", "processing ratio decidendi analysis"); err != nil {
		return err
	}

	req, err := requestFromEvent(ctx, evt, a.cfg.AttachmentRoot)
	if err != nil {
		_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "error", "invalid request envelope", nil)
		_ = a.sendError(ctx, evt, "invalid request envelope")
		return err
	}
	log = log.With(zap.String("case_id", req.CaseID))

	pipeline, err := a.pipelineFor(req.Variant)
	if err != nil {
		_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "error", err.Error(), nil)
		_ = a.sendError(ctx, evt, err.Error())
		return err
	}

	result, err := pipeline.RunWithProgress(ctx, req, func(stage, message string) {
		log.Debug("stage progress", zap.String("stage", stage), zap.String("message", message))
		_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "progress", message, map[string]any{"stage": stage})
	})
	if err != nil {
		stage := StageNameFromError(err)
		log.Warn("pipeline failed", zap.String("stage", stage), zap.Int("completed", CompletedStages(err)), zap.Error(err))
		a.recordFailure(ctx, req, pipeline.Variant().Name, err)
		_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "error", err.Error(), map[string]any{"stage": stage})
		_ = a.sendError(ctx, evt, err.Error())
		return err
	}
	if a.recorder != nil {
		if err := a.recorder.SaveResult(ctx, result); err != nil {
			log.Warn("save run failed", zap.String("run_id", result.Metadata.RunID), zap.Error(err))
		}
	}

	envelope := BuildResponse(result)
	blob, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = a.client.SendMessage(
		ctx,
		a.cfg.AgentID,
		a.cfg.Secret,
		replyTarget(evt),
		evt.ConversationID,
		fmt.Sprintf("ratio-response-%s", evt.MessageID),
		"response",
		string(blob),
		nil,
		map[string]any{"stage": "done"},
	)
	if err != nil {
		_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "error", "failed to send response", nil)
		_ = a.sendError(ctx, evt, "failed to send response")
		return err
	}

	log.Info("analysis complete", zap.String("run_id", result.Metadata.RunID), zap.Int("turns", len(result.Messages)))
	_ = a.client.Event(ctx, a.cfg.AgentID, a.cfg.Secret, evt.MessageID, "final", "ratio decidendi identified", map[string]any{"run_id": result.Metadata.RunID})
	return nil
}

func (a *Agent) recordFailure(ctx context.Context, req RequestEnvelope, variant string, runErr error) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.SaveFailure(ctx, req, variant, runErr); err != nil {
		a.logger.Warn("save failed run", zap.String("case_id", req.CaseID), zap.Error(errors.Join(err, runErr)))
	}
}

func (a *Agent) sendError(ctx context.Context, evt InboxEvent, message string) error {
	_, err := a.client.SendMessage(
		ctx,
		a.cfg.AgentID,
		a.cfg.Secret,
		replyTarget(evt),
		evt.ConversationID,
		fmt.Sprintf("ratio-error-%s", evt.MessageID),
		"response",
		message,
		nil,
		map[string]any{"stage": "error", "status": "error"},
	)
	return err
}

func replyTarget(evt InboxEvent) string {
	if rt := replyToFromMeta(evt.Meta); rt != "" {
		return rt
	}
	return evt.From
}

func replyToFromMeta(meta any) string {
	m, ok := meta.(map[string]any)
	if !ok {
		return ""
	}
	rt, _ := m["reply_to"].(string)
	return strings.TrimSpace(rt)
}

// requestFromEvent reads the request from the message body, or from the
// first attachment when the body carries no judgment text. Attachments must
// resolve under root.
func requestFromEvent(ctx context.Context, evt InboxEvent, root string) (RequestEnvelope, error) {
	req, err := parseRequestEnvelope(evt.Body)
	if err == nil || len(evt.Attachments) == 0 {
		return req, err
	}
	path, err := judgment.ResolveAttachment(evt.Attachments[0].URL, root)
	if err != nil {
		return RequestEnvelope{}, err
	}
	extracted, err := judgment.ExtractText(ctx, path)
	if err != nil {
		return RequestEnvelope{}, fmt.Errorf("extract judgment: %w", err)
	}
	var hints struct {
		CaseID  string `json:"case_id"`
		Variant string `json:"variant"`
	}
	_ = json.Unmarshal([]byte(evt.Body), &hints)
	caseID := strings.TrimSpace(hints.CaseID)
	if caseID == "" {
		caseID = judgment.CaseIDFromText(extracted.Text)
	}
	if caseID == "" {
		caseID = evt.MessageID
	}
	return RequestEnvelope{
		CaseID:       caseID,
		JudgmentText: extracted.Text,
		Variant:      hints.Variant,
		Metadata: RequestMetadata{
			SourceFilename:   filepath.Base(path),
			ExtractionMethod: extracted.Method,
		},
	}, nil
}

// parseRequestEnvelope accepts the native envelope and the extractor's
// {case_id, extracted_text} shape.
func parseRequestEnvelope(body string) (RequestEnvelope, error) {
	var req RequestEnvelope
	if err := json.Unmarshal([]byte(body), &req); err == nil && strings.TrimSpace(req.JudgmentText) != "" {
		return req, nil
	}

	var extracted struct {
		CaseID           string `json:"case_id"`
		ExtractedText    string `json:"extracted_text"`
		ExtractionMethod string `json:"extraction_method"`
		Truncated        bool   `json:"truncated"`
		Variant          string `json:"variant"`
	}
	if err := json.Unmarshal([]byte(body), &extracted); err != nil {
		return RequestEnvelope{}, err
	}
	if strings.TrimSpace(extracted.ExtractedText) == "" {
		return RequestEnvelope{}, fmt.Errorf("missing judgment_text or extracted_text")
	}
	return RequestEnvelope{
		CaseID:       extracted.CaseID,
		JudgmentText: extracted.ExtractedText,
		Variant:      extracted.Variant,
		Metadata: RequestMetadata{
			ExtractionMethod: extracted.ExtractionMethod,
			Truncated:        extracted.Truncated,
		},
	}, nil
}
