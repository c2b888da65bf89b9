// ABOUTME: HTTP API handlers for queries, answers, conversations, memory and handoffs
// ABOUTME: Maps orchestrator and store errors to status codes with JSON error bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Gliksbot/Dexter/internal/auth"
	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/conversation"
	"github.com/Gliksbot/Dexter/internal/hub"
	"github.com/Gliksbot/Dexter/internal/memory"
	"github.com/Gliksbot/Dexter/internal/store"
)

const (
	maxBodyBytes  = 1 << 20
	defaultRecall = 10
	maxRecall     = 100
	maxGraphLimit = 500

	idempotencyHeader = "Idempotency-Key"
)

// errIdempotencyInFlight is returned when a duplicate arrives before the
// first submission with the same key registered its conversation.
var errIdempotencyInFlight = errors.New("a request with this Idempotency-Key is in progress")

// QueryRequest is the JSON request body for POST /api/query.
type QueryRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// CompleteHandoffRequest is the JSON request body for POST /api/handoffs/{token}/complete.
type CompleteHandoffRequest struct {
	Content string `json:"content"`
}

// FailHandoffRequest is the JSON request body for POST /api/handoffs/{token}/fail.
type FailHandoffRequest struct {
	Error string `json:"error"`
}

// CompleteHandoffResponse is the JSON response for both handoff resolutions:
// the sequence of the response_ready or error event.
type CompleteHandoffResponse struct {
	Sequence uint64 `json:"sequence"`
}

// MemoryRecordResponse is one recalled record. Score is zero when the record
// is fetched by id.
type MemoryRecordResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Score          float64   `json:"score"`
	CreatedAt      time.Time `json:"created_at"`
}

// EdgeResponse is one knowledge graph fact.
type EdgeResponse struct {
	Subject              string    `json:"subject"`
	Predicate            string    `json:"predicate"`
	Object               string    `json:"object"`
	SourceConversationID string    `json:"source_conversation_id,omitempty"`
	Confidence           float64   `json:"confidence"`
	Superseded           bool      `json:"superseded"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// RecallResponse is the JSON response for GET /api/memory/recall.
type RecallResponse struct {
	Records []MemoryRecordResponse `json:"records"`
	Edges   []EdgeResponse         `json:"edges"`
}

// GraphResponse is the JSON response for GET /api/memory/graph.
type GraphResponse struct {
	Edges []EdgeResponse `json:"edges"`
}

// handleQuery handles POST /api/query. A repeated Idempotency-Key returns
// the conversation started by the first request.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	key := r.Header.Get(idempotencyHeader)
	if key != "" {
		// Keys are scoped to the caller
		key = auth.SubjectFromContext(r.Context()) + "\x00" + key
		if existing, loaded := g.idempotency.LoadOrStore(key, convID); loaded {
			g.replayQuery(w, r, existing)
			return
		}
	}

	result, err := g.orchestrator.Submit(r.Context(), conversation.SubmitRequest{
		ConversationID: convID,
		Text:           req.Text,
	})
	if err != nil {
		if key != "" {
			g.idempotency.Delete(key)
		}
		g.sendError(w, "submit query", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// replayQuery answers a duplicate submission from the conversation's current state.
func (g *Gateway) replayQuery(w http.ResponseWriter, r *http.Request, convID string) {
	snap, err := g.orchestrator.Get(r.Context(), convID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			err = errIdempotencyInFlight
		}
		g.sendError(w, "replay query", err)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, &conversation.SubmitResult{
		ConversationID: snap.ConversationID,
		Status:         snap.Status,
		Questions:      nonNilQuestions(snap.PendingQuestions),
		HandoffToken:   snap.HandoffToken,
	})
}

// handleAnswer handles POST /api/answer.
func (g *Gateway) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req conversation.AnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" || req.QuestionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id and question_id are required")
		return
	}

	snap, err := g.orchestrator.Answer(r.Context(), req)
	if err != nil {
		g.sendError(w, "answer", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := g.orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancel handles POST /api/conversations/{id}/cancel.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := g.orchestrator.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, "cancel conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleRecall handles GET /api/memory/recall?conversation_id=&q=&k=.
func (g *Gateway) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k, err := parseBoundedInt(q.Get("k"), defaultRecall, maxRecall)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "k: "+err.Error())
		return
	}

	rc, err := g.memory.RecallContext(r.Context(), q.Get("conversation_id"), q.Get("q"), k)
	if err != nil {
		g.sendError(w, "recall", err)
		return
	}

	resp := RecallResponse{
		Records: make([]MemoryRecordResponse, 0, len(rc.Records)),
		Edges:   toEdgeResponses(rc.Edges),
	}
	for _, res := range rc.Records {
		resp.Records = append(resp.Records, toRecordResponse(res.Record, res.Score))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetMemory handles GET /api/memory/records/{id}: one long-term record,
// typically an id taken from a recall result.
func (g *Gateway) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := g.memory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendError(w, "get memory", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec, 0))
}

// handleGraph handles GET /api/memory/graph?subject=&predicate=&object=.
func (g *Gateway) handleGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 0, maxGraphLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	includeSuperseded := false
	if raw := q.Get("include_superseded"); raw != "" {
		if includeSuperseded, err = strconv.ParseBool(raw); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "include_superseded must be a boolean")
			return
		}
	}

	edges, err := g.memory.QueryGraph(r.Context(), memory.Pattern{
		Subject:           q.Get("subject"),
		Predicate:         q.Get("predicate"),
		Object:            q.Get("object"),
		IncludeSuperseded: includeSuperseded,
		Limit:             limit,
	})
	if err != nil {
		g.sendError(w, "query graph", err)
		return
	}
	writeJSON(w, http.StatusOK, GraphResponse{Edges: toEdgeResponses(edges)})
}

// handleGetHandoff handles GET /api/handoffs/{token}: the clarified request
// behind an outstanding token.
func (g *Gateway) handleGetHandoff(w http.ResponseWriter, r *http.Request) {
	req, ok := g.handoff.Pending(r.PathValue("token"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "unknown handoff token")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleCompleteHandoff handles POST /api/handoffs/{token}/complete and
// publishes response_ready for the token's conversation.
func (g *Gateway) handleCompleteHandoff(w http.ResponseWriter, r *http.Request) {
	var req CompleteHandoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	seq, err := g.handoff.CompleteHandoff(r.Context(), r.PathValue("token"), req.Content)
	if err != nil {
		g.sendError(w, "complete handoff", err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteHandoffResponse{Sequence: seq})
}

// handleFailHandoff handles POST /api/handoffs/{token}/fail: the collaborator
// could not produce a result, so the conversation sees an error event with
// reason handoff_failed.
func (g *Gateway) handleFailHandoff(w http.ResponseWriter, r *http.Request) {
	var req FailHandoffRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	seq, err := g.handoff.FailHandoff(r.Context(), r.PathValue("token"), req.Error)
	if err != nil {
		g.sendError(w, "fail handoff", err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteHandoffResponse{Sequence: seq})
}

// statusFor maps a core error to an HTTP status and client-facing message.
// Unrecognized errors are internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrInvalidRequest),
		errors.Is(err, hub.ErrInvalidPayload),
		errors.Is(err, hub.ErrInvalidFilter),
		errors.Is(err, store.ErrInvalidEdge):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, conversation.ErrUnknownHandoff):
		return http.StatusNotFound, "unknown handoff token"
	case errors.Is(err, conversation.ErrInvalidCorrelation):
		return http.StatusUnprocessableEntity, "answer does not match a question of a live conversation"
	case errors.Is(err, conversation.ErrTerminal):
		return http.StatusConflict, "conversation already finished"
	case errors.Is(err, conversation.ErrActive):
		return http.StatusConflict, "conversation is still collecting answers"
	case errors.Is(err, errIdempotencyInFlight):
		return http.StatusConflict, err.Error()
	case errors.Is(err, hub.ErrReplayUnavailable):
		return http.StatusNotImplemented, "event replay is not enabled"
	case errors.Is(err, conversation.ErrClosed),
		errors.Is(err, hub.ErrClosed):
		return http.StatusServiceUnavailable, "gateway is shutting down"
	case errors.Is(err, clarify.ErrEngineUnavailable):
		return http.StatusBadGateway, "clarification engine unavailable"
	case errors.Is(err, memory.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "memory storage unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// sendError logs server-side failures and writes the mapped JSON error.
func (g *Gateway) sendError(w http.ResponseWriter, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "op", op, "status", status, "error", err)
	} else {
		g.logger.Debug("request rejected", "op", op, "status", status, "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, id uint64, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// parseBoundedInt parses an optional positive integer capped at maxVal.
func parseBoundedInt(raw string, def, maxVal int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return min(n, maxVal), nil
}

func toRecordResponse(rec *memory.Record, score float64) MemoryRecordResponse {
	return MemoryRecordResponse{
		ID:             rec.ID,
		Kind:           string(rec.Kind),
		ConversationID: rec.ConversationID,
		Role:           rec.Role,
		Content:        rec.Content,
		Score:          score,
		CreatedAt:      rec.CreatedAt,
	}
}

func toEdgeResponses(edges []*store.Edge) []EdgeResponse {
	out := make([]EdgeResponse, 0, len(edges))
	for _, e := range edges {
		out = append(out, EdgeResponse{
			Subject:              e.Subject,
			Predicate:            e.Predicate,
			Object:               e.Object,
			SourceConversationID: e.SourceConversationID,
			Confidence:           e.Confidence,
			Superseded:           e.Superseded,
			UpdatedAt:            e.UpdatedAt,
		})
	}
	return out
}

func nonNilQuestions(qs []clarify.Question) []clarify.Question {
	if qs == nil {
		return []clarify.Question{}
	}
	return qs
}
