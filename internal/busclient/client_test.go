package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("secret", []byte(`{"a":1}`))
	b := Sign("secret", []byte(`{"a":1}`))
	if a != b || len(a) != 64 {
		t.Fatalf("unexpected signatures %q %q", a, b)
	}
	if Sign("other", []byte(`{"a":1}`)) == a {
		t.Fatal("different secrets produced the same signature")
	}
}

func TestSendMessageSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(signatureHeader) != Sign("s3cret", body) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var req sendRequest
		if err := json.Unmarshal(body, &req); err != nil || req.To != "concierge" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	id, err := c.SendMessage(context.Background(), "ratio-decidendi", "s3cret", "concierge", "conv-1", "req-1", "response", "{}", nil, nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "m-1" {
		t.Fatalf("unexpected message id %q", id)
	}
}

func TestPollInboxSignsQueryAndAdvancesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(signatureHeader) != Sign("s3cret", []byte(r.URL.RawQuery)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("cursor") != "4" {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"events":[{"message_id":"m-5","type":"request","from":"operator","body":"{}"}],"cursor":"5"}`))
	}))
	defer srv.Close()

	events, next, err := NewClient(srv.URL).PollInbox(context.Background(), "ratio-decidendi", "s3cret", 4, 1)
	if err != nil {
		t.Fatalf("PollInbox: %v", err)
	}
	if next != 5 || len(events) != 1 || events[0].MessageID != "m-5" {
		t.Fatalf("unexpected poll result: next=%d events=%+v", next, events)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Ack(context.Background(), "a", "s", "m-1", "accepted", "")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Status != http.StatusForbidden || se.Path != "/v1/acks" {
		t.Fatalf("unexpected status error %+v", se)
	}
}
