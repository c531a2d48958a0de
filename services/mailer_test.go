package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"madrasa-backend/common"

	"github.com/stretchr/testify/require"
)

type mailAPIServer struct {
	mu         sync.Mutex
	tokenCalls int
	sent       []Message
	failFor    map[string]bool
	srv        *httptest.Server
}

func newMailAPIServer(t *testing.T) *mailAPIServer {
	t.Helper()
	api := &mailAPIServer{failFor: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.tokenCalls++
		api.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		api.mu.Lock()
		defer api.mu.Unlock()
		if api.failFor[msg.To] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		api.sent = append(api.sent, msg)
		w.WriteHeader(http.StatusAccepted)
	})

	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (api *mailAPIServer) mailer() *MailerService {
	m := NewMailerService(&common.Config{
		MailTokenURL:     api.srv.URL + "/token",
		MailClientID:     "client",
		MailClientSecret: "secret",
		MailEndpoint:     api.srv.URL + "/send",
		MailFromAddress:  "noreply@madrasa.app",
	})
	m.batchDelay = 10 * time.Millisecond
	return m
}

func TestSendAppliesDefaultFrom(t *testing.T) {
	api := newMailAPIServer(t)
	m := api.mailer()

	err := m.Send(context.Background(), &Message{To: "imam@example.com", Subject: "hi", Body: "salaam"})
	require.NoError(t, err)
	require.Len(t, api.sent, 1)
	require.Equal(t, "noreply@madrasa.app", api.sent[0].From)
	require.Equal(t, 1, api.tokenCalls)
}

func TestSendReportsAPIFailure(t *testing.T) {
	api := newMailAPIServer(t)
	api.failFor["down@example.com"] = true
	m := api.mailer()

	err := m.Send(context.Background(), &Message{To: "down@example.com", Subject: "hi", Body: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

func TestSendBulkCollectsPerRecipientFailures(t *testing.T) {
	api := newMailAPIServer(t)
	api.failFor["bad@example.com"] = true
	m := api.mailer()

	recipients := []string{"a@example.com", "bad@example.com", "c@example.com"}
	failures := m.SendBulk(context.Background(), recipients, "update", "body")

	require.Len(t, failures, 1)
	require.Contains(t, failures, "bad@example.com")
	require.Len(t, api.sent, 2)
}

func TestSendBulkBatches(t *testing.T) {
	api := newMailAPIServer(t)
	m := api.mailer()
	m.batchSize = 4

	var recipients []string
	for _, s := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		recipients = append(recipients, s+"@example.com")
	}

	failures := m.SendBulk(context.Background(), recipients, "announcement", "body")
	require.Empty(t, failures)
	require.Len(t, api.sent, 10)
}

func TestSendBulkCanceledContextMarksRemaining(t *testing.T) {
	api := newMailAPIServer(t)
	m := api.mailer()
	m.batchSize = 2
	m.batchDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())

	recipients := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	done := make(chan map[string]error, 1)
	go func() {
		done <- m.SendBulk(ctx, recipients, "s", "b")
	}()

	// Let the first batch go out, then cancel during the inter-batch pause.
	time.Sleep(200 * time.Millisecond)
	cancel()

	failures := <-done
	require.Len(t, failures, 2)
	require.Contains(t, failures, "c@example.com")
	require.Contains(t, failures, "d@example.com")
	require.Len(t, api.sent, 2)
}
