// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives full conversations through the routes and checks error mapping

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gliksbot/Dexter/internal/auth"
	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/conversation"
	"github.com/Gliksbot/Dexter/internal/hub"
	"github.com/Gliksbot/Dexter/internal/memory"
	"github.com/Gliksbot/Dexter/internal/store"
)

const testJWTSecret = "api-test-secret-that-is-32-bytes"

// serve sends a request through the gateway handler.
func serve(t *testing.T, gw *Gateway, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

// postJSON posts to a live server and returns the status and body.
func postJSON(t *testing.T, url string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return decode[map[string]string](t, rec)["error"]
}

func TestAPI_BookAFlight(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "book a flight"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[conversation.SubmitResult](t, rec)
	assert.Equal(t, conversation.StatusAwaitingAnswers, res.Status)
	require.Len(t, res.Questions, 2)
	assert.Equal(t, "destination", res.Questions[0].Slot)
	assert.Equal(t, "date", res.Questions[1].Slot)
	id := res.ConversationID

	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": id, "question_id": res.Questions[0].ID, "answer": "Lisbon",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[conversation.Snapshot](t, rec)
	assert.Equal(t, conversation.StatusAwaitingAnswers, snap.Status)
	assert.Len(t, snap.PendingQuestions, 1)

	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": id, "question_id": res.Questions[1].ID, "answer": "next Friday",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap = decode[conversation.Snapshot](t, rec)
	assert.Equal(t, conversation.StatusClarified, snap.Status)
	assert.Empty(t, snap.PendingQuestions)
	require.NotEmpty(t, snap.HandoffToken)

	rec = serve(t, gw, http.MethodGet, "/api/conversations/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[conversation.Snapshot](t, rec)
	assert.Equal(t, conversation.StatusClarified, got.Status)
	assert.Equal(t, map[string]string{res.Questions[0].ID: "Lisbon", res.Questions[1].ID: "next Friday"}, got.Answers)

	rec = serve(t, gw, http.MethodGet, "/api/memory/graph?subject="+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	facts := map[string]string{}
	for _, e := range decode[GraphResponse](t, rec).Edges {
		facts[e.Predicate] = e.Object
	}
	assert.Equal(t, map[string]string{"destination": "Lisbon", "date": "next Friday"}, facts)

	rec = serve(t, gw, http.MethodGet, "/api/memory/recall?conversation_id="+id+"&q=Lisbon&k=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recall := decode[RecallResponse](t, rec)
	require.NotEmpty(t, recall.Records)
	assert.Contains(t, recall.Records[0].Content, "Lisbon")
	assert.Len(t, recall.Edges, 2)

	rec = serve(t, gw, http.MethodGet, "/api/memory/records/"+recall.Records[0].ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored := decode[MemoryRecordResponse](t, rec)
	assert.Equal(t, recall.Records[0].ID, stored.ID)
	assert.Equal(t, recall.Records[0].Content, stored.Content)
	assert.Equal(t, id, stored.ConversationID)

	rec = serve(t, gw, http.MethodGet, "/api/handoffs/"+snap.HandoffToken, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[conversation.ClarifiedRequest](t, rec)
	assert.Equal(t, id, pending.ConversationID)
	assert.Equal(t, "book a flight", pending.Query)
	assert.Len(t, pending.Answers, 2)

	rec = serve(t, gw, http.MethodPost, "/api/handoffs/"+snap.HandoffToken+"/complete", CompleteHandoffRequest{Content: "Booked TP123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gw.hub.LastSequence(), decode[CompleteHandoffResponse](t, rec).Sequence)

	rec = serve(t, gw, http.MethodPost, "/api/handoffs/"+snap.HandoffToken+"/complete", CompleteHandoffRequest{Content: "again"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown handoff token", errorOf(t, rec))
}

func TestAPI_QueryValidation(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/query", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request body is required", errorOf(t, rec))

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text is required", errorOf(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewBufferString("{nope"))
	raw := httptest.NewRecorder()
	gw.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = serve(t, gw, http.MethodGet, "/api/query", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_SubmitToLiveConversationConflicts(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "book a flight"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "book a hotel"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conversation is still collecting answers", errorOf(t, rec))
}

func TestAPI_AnswerErrors(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/answer", map[string]string{"answer": "Lisbon"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": "ghost", "question_id": "q1", "answer": "Lisbon",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "book a flight"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": "trip", "question_id": "q9", "answer": "Lisbon",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": "trip", "question_id": "q1", "answer": "  ",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "math", Text: "what's 2+2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(t, gw, http.MethodPost, "/api/answer", map[string]string{
		"conversation_id": "math", "question_id": "q1", "answer": "4",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conversation already finished", errorOf(t, rec))
}

func TestAPI_Cancel(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "book a flight"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/conversations/trip/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[conversation.Snapshot](t, rec)
	assert.Equal(t, conversation.StatusFailed, snap.Status)
	assert.Equal(t, conversation.ReasonCancelled, snap.FailureReason)

	rec = serve(t, gw, http.MethodPost, "/api/conversations/trip/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/conversations/ghost/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, gw, http.MethodGet, "/api/conversations/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conversation not found", errorOf(t, rec))
}

func TestAPI_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t, "")
	key := map[string]string{idempotencyHeader: "retry-1"}

	first := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "book a flight"}, key)
	require.Equal(t, http.StatusOK, first.Code)
	a := decode[conversation.SubmitResult](t, first)

	second := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "book a flight"}, key)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	b := decode[conversation.SubmitResult](t, second)
	assert.Equal(t, a.ConversationID, b.ConversationID)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.Questions, b.Questions)

	other := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "book a flight"},
		map[string]string{idempotencyHeader: "retry-2"})
	require.Equal(t, http.StatusOK, other.Code)
	assert.NotEqual(t, a.ConversationID, decode[conversation.SubmitResult](t, other).ConversationID)
}

func TestAPI_FailedSubmitReleasesIdempotencyKey(t *testing.T) {
	gw := newTestGateway(t, "")
	key := map[string]string{idempotencyHeader: "k"}

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "book a flight"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "again"}, key)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/conversations/trip/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The key was released, so the retry runs a new round
	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{ConversationID: "trip", Text: "what's 2+2"}, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, conversation.StatusClarified, decode[conversation.SubmitResult](t, rec).Status)
}

func TestAPI_MemoryParamValidation(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodGet, "/api/memory/recall?k=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, gw, http.MethodGet, "/api/memory/recall?k=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, gw, http.MethodGet, "/api/memory/graph?limit=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, gw, http.MethodGet, "/api/memory/graph?include_superseded=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodGet, "/api/memory/recall", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[RecallResponse](t, rec)
	assert.Empty(t, empty.Records)
	assert.NotNil(t, empty.Edges)
}

func TestAPI_GetMemoryRecordNotFound(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodGet, "/api/memory/records/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "record missing: not found in memory", errorOf(t, rec))
}

func TestAPI_HandoffCompletionValidation(t *testing.T) {
	gw := newTestGateway(t, "")

	rec := serve(t, gw, http.MethodPost, "/api/handoffs/nope/complete", CompleteHandoffRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/handoffs/nope/complete", CompleteHandoffRequest{Content: "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, gw, http.MethodGet, "/api/handoffs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_HandoffFailure(t *testing.T) {
	gw := newTestGateway(t, "")
	ctx := t.Context()

	sub, err := gw.hub.Subscribe(ctx, hub.Filter{Topic: hub.TopicError})
	require.NoError(t, err)

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "what's 2+2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[conversation.SubmitResult](t, rec)
	require.Equal(t, conversation.StatusClarified, res.Status)
	require.NotEmpty(t, res.HandoffToken)

	rec = serve(t, gw, http.MethodPost, "/api/handoffs/"+res.HandoffToken+"/fail", FailHandoffRequest{Error: "calculator offline"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, gw.hub.LastSequence(), decode[CompleteHandoffResponse](t, rec).Sequence)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, res.ConversationID, ev.ConversationID)
		assert.Equal(t, hub.ErrorRaised{Reason: conversation.ReasonHandoffFailed, Detail: "calculator offline"}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}

	rec = serve(t, gw, http.MethodGet, "/api/handoffs/"+res.HandoffToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, gw, http.MethodPost, "/api/handoffs/"+res.HandoffToken+"/complete", CompleteHandoffRequest{Content: "4"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, gw, http.MethodPost, "/api/handoffs/"+res.HandoffToken+"/fail", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown handoff token", errorOf(t, rec))
}

func TestAPI_BearerAuth(t *testing.T) {
	gw := newTestGateway(t, fmt.Sprintf("auth:\n  jwt_secret: %q\n", testJWTSecret))

	rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "what's 2+2"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authorization header", errorOf(t, rec))

	rec = serve(t, gw, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("cli-alice", time.Hour)
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rec = serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "what's 2+2"}, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversation.StatusClarified, decode[conversation.SubmitResult](t, rec).Status)
}

func TestReady_DetailsNeedValidToken(t *testing.T) {
	gw := newTestGateway(t, fmt.Sprintf("auth:\n  jwt_secret: %q\n", testJWTSecret))

	rec := serve(t, gw, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.NotContains(t, body, "last_sequence")
	assert.NotContains(t, body, "subject")

	rec = serve(t, gw, http.MethodGet, "/health/ready", nil, map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[map[string]any](t, rec), "last_sequence")

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops-bob", time.Hour)
	require.NoError(t, err)

	rec = serve(t, gw, http.MethodGet, "/health/ready", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, "ops-bob", body["subject"])
	assert.Contains(t, body, "last_sequence")
	assert.Contains(t, body, "subscribers")
}

func TestAPI_IdempotencyKeysAreScopedToCaller(t *testing.T) {
	gw := newTestGateway(t, fmt.Sprintf("auth:\n  jwt_secret: %q\n", testJWTSecret))
	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)

	submit := func(sub string) string {
		token, err := verifier.Generate(sub, time.Hour)
		require.NoError(t, err)
		rec := serve(t, gw, http.MethodPost, "/api/query", QueryRequest{Text: "book a flight"}, map[string]string{
			"Authorization":   "Bearer " + token,
			idempotencyHeader: "same",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[conversation.SubmitResult](t, rec).ConversationID
	}

	assert.NotEqual(t, submit("alice"), submit("bob"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", conversation.ErrInvalidRequest), http.StatusBadRequest},
		{hub.ErrInvalidFilter, http.StatusBadRequest},
		{fmt.Errorf("x: %w", conversation.ErrNotFound), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("record r1: %w", memory.ErrNotFound), http.StatusNotFound},
		{conversation.ErrUnknownHandoff, http.StatusNotFound},
		{conversation.ErrInvalidCorrelation, http.StatusUnprocessableEntity},
		{conversation.ErrTerminal, http.StatusConflict},
		{conversation.ErrActive, http.StatusConflict},
		{errIdempotencyInFlight, http.StatusConflict},
		{hub.ErrReplayUnavailable, http.StatusNotImplemented},
		{conversation.ErrClosed, http.StatusServiceUnavailable},
		{hub.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("evaluating: %w", clarify.ErrEngineUnavailable), http.StatusBadGateway},
		{memory.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, msg := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
		assert.NotEmpty(t, msg)
	}
}
