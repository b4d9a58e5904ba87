package busclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const signatureHeader = "X-Bus-Signature"

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type InboxEvent struct {
	MessageID      string       `json:"message_id"`
	Type           string       `json:"type"`
	From           string       `json:"from"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Body           string       `json:"body"`
	Meta           any          `json:"meta,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Client talks to the agent bus over HTTP. Every mutating call is signed
// with the agent's shared secret.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// StatusError is returned for bus responses with status >= 400.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		return blob, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(blob)}
	}
	return blob, nil
}

func (c *Client) postSigned(ctx context.Context, path, secret string, v any, extra map[string]string) ([]byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	headers := map[string]string{signatureHeader: Sign(secret, blob)}
	for k, val := range extra {
		headers[k] = val
	}
	return c.do(ctx, http.MethodPost, path, blob, headers)
}

type registerRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Mode         string   `json:"mode"`
	TTL          int      `json:"ttl"`
	Secret       string   `json:"secret"`
}

func (c *Client) RegisterAgent(ctx context.Context, agentID, secret string, capabilities []string) error {
	blob, err := json.Marshal(registerRequest{AgentID: agentID, Capabilities: capabilities, Mode: "pull", TTL: 120, Secret: secret})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/v1/agents/register", blob, nil)
	return err
}

type sendRequest struct {
	To             string         `json:"to"`
	From           string         `json:"from"`
	ConversationID string         `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
	Type           string         `json:"type"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments"`
	Meta           map[string]any `json:"meta"`
}

func (c *Client) SendMessage(ctx context.Context, from, secret, to, conversationID, requestID, messageType, bodyText string, attachments []Attachment, meta map[string]any) (string, error) {
	out, err := c.postSigned(ctx, "/v1/messages", secret, sendRequest{
		To:             to,
		From:           from,
		ConversationID: conversationID,
		RequestID:      requestID,
		Type:           messageType,
		Body:           bodyText,
		Attachments:    attachments,
		Meta:           meta,
	}, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.MessageID) == "" {
		return "", fmt.Errorf("missing message_id in response")
	}
	return resp.MessageID, nil
}

// PollInbox long-polls for events after cursor and returns the next cursor.
func (c *Client) PollInbox(ctx context.Context, agentID, secret string, cursor int, waitSec int) ([]InboxEvent, int, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("cursor", strconv.Itoa(cursor))
	q.Set("wait", strconv.Itoa(waitSec))
	rawQuery := q.Encode()
	out, err := c.do(ctx, http.MethodGet, "/v1/inbox?"+rawQuery, nil, map[string]string{signatureHeader: Sign(secret, []byte(rawQuery))})
	if err != nil {
		return nil, cursor, err
	}
	var resp struct {
		Events []InboxEvent `json:"events"`
		Cursor string       `json:"cursor"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, cursor, err
	}
	next, err := strconv.Atoi(strings.TrimSpace(resp.Cursor))
	if err != nil {
		next = cursor
	}
	return resp.Events, next, nil
}

type ackRequest struct {
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (c *Client) Ack(ctx context.Context, agentID, secret, messageID, status, reason string) error {
	_, err := c.postSigned(ctx, "/v1/acks", secret, ackRequest{AgentID: agentID, MessageID: messageID, Status: status, Reason: reason}, nil)
	return err
}

type eventRequest struct {
	MessageID string         `json:"message_id"`
	Type      string         `json:"type"`
	Body      string         `json:"body"`
	Meta      map[string]any `json:"meta"`
}

// Event posts a progress, error or final event against messageID.
func (c *Client) Event(ctx context.Context, agentID, secret, messageID, eventType, body string, meta map[string]any) error {
	_, err := c.postSigned(ctx, "/v1/events", secret, eventRequest{MessageID: messageID, Type: eventType, Body: body, Meta: meta},
		map[string]string{"X-Agent-ID": agentID})
	return err
}
