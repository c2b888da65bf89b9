// ABOUTME: HTTP client for the dexter-gateway API used by the TUI
// ABOUTME: Wraps query, answer, conversation, recall and event stream requests

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Gliksbot/Dexter/internal/conversation"
	"github.com/Gliksbot/Dexter/internal/gateway"
)

// getToken returns the JWT token from DEXTER_TOKEN or ~/.config/dexter/token.
func getToken() string {
	if token := os.Getenv("DEXTER_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "dexter", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// isStatus reports whether err is an apiError with the given status.
func isStatus(err error, status int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type apiClient struct {
	server string
	token  string
	http   *http.Client
}

func newAPIClient(server, token string) *apiClient {
	return &apiClient{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   http.DefaultClient,
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// readError turns an error response into an apiError.
func readError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Message = body["error"]
		}
	}
	return apiErr
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *apiClient) submit(ctx context.Context, conversationID, text string) (*conversation.SubmitResult, error) {
	var out conversation.SubmitResult
	err := c.doJSON(ctx, http.MethodPost, "/api/query", gateway.QueryRequest{
		ConversationID: conversationID,
		Text:           text,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) answer(ctx context.Context, conversationID, questionID, text string) (*conversation.Snapshot, error) {
	var out conversation.Snapshot
	err := c.doJSON(ctx, http.MethodPost, "/api/answer", conversation.AnswerRequest{
		ConversationID: conversationID,
		QuestionID:     questionID,
		Text:           text,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) conversation(ctx context.Context, id string) (*conversation.Snapshot, error) {
	var out conversation.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) cancel(ctx context.Context, id string) (*conversation.Snapshot, error) {
	var out conversation.Snapshot
	if err := c.doJSON(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) recall(ctx context.Context, conversationID, query string, k int) (*gateway.RecallResponse, error) {
	q := url.Values{}
	q.Set("q", query)
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}

	var out gateway.RecallResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/memory/recall?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// openEvents opens the SSE stream for one conversation. The subscription is
// live once this returns, so events published afterwards are not missed.
func (c *apiClient) openEvents(ctx context.Context, conversationID string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return resp.Body, nil
}
