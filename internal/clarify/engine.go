// ABOUTME: Clarification engine contract shared by the heuristic and model-backed engines
// ABOUTME: Defines Question, evaluation Context, ordering rules and the config-driven constructor

package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ErrEngineUnavailable is returned when a model-backed engine cannot produce
// questions: completer failure, rate-limit wait failure or unparseable output.
var ErrEngineUnavailable = errors.New("clarification engine unavailable")

// Question asks the user for one missing piece of intent.
type Question struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Rationale string `json:"rationale,omitempty"`
	Priority  int    `json:"priority"`
	Slot      string `json:"slot,omitempty"`
}

// Context is what is already known about the conversation.
type Context struct {
	// History holds earlier user turns of the conversation, oldest first.
	History []string
	// Answered maps slots to answers already given; they are never asked again.
	Answered map[string]string
}

// Engine decides whether a query needs clarification. Identical inputs
// produce identical questions.
type Engine interface {
	Evaluate(ctx context.Context, query string, c Context) ([]Question, error)
}

// finalize drops answered slots, orders by descending priority with ties in
// input order, and assigns ids q1, q2, ... in final order.
func finalize(questions []Question, c Context) []Question {
	out := make([]Question, 0, len(questions))
	seenSlots := make(map[string]bool)
	for _, q := range questions {
		if q.Slot != "" {
			if _, answered := c.Answered[q.Slot]; answered {
				continue
			}
			if seenSlots[q.Slot] {
				continue
			}
			seenSlots[q.Slot] = true
		}
		out = append(out, q)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	for i := range out {
		out[i].ID = fmt.Sprintf("q%d", i+1)
	}
	return out
}

// contextKey renders a Context deterministically for cache keys and prompts.
func contextKey(c Context) string {
	var b strings.Builder
	for _, h := range c.History {
		b.WriteString("h:")
		b.WriteString(h)
		b.WriteByte('\n')
	}
	slots := make([]string, 0, len(c.Answered))
	for slot := range c.Answered {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		b.WriteString("a:")
		b.WriteString(slot)
		b.WriteByte('=')
		b.WriteString(c.Answered[slot])
		b.WriteByte('\n')
	}
	return b.String()
}

// Config selects and configures an engine.
type Config struct {
	Mode              string // "heuristic" or "model"
	Provider          string // "ollama" or "openai"
	BaseURL           string
	Model             string
	APIKey            string
	Seed              int
	RequestsPerSecond float64
	Timeout           time.Duration
	CacheTTL          time.Duration
	CacheSize         int
}

// New builds the engine named by cfg.Mode. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (Engine, error) {
	heuristic := NewHeuristic()

	switch strings.ToLower(cfg.Mode) {
	case "", "heuristic":
		return heuristic, nil

	case "model":
		var (
			completer Completer
			err       error
		)
		switch strings.ToLower(cfg.Provider) {
		case "", "ollama":
			completer, err = NewOllamaCompleter(cfg.BaseURL, cfg.Model, cfg.Seed, cfg.Timeout)
		case "openai":
			completer, err = NewOpenAICompleter(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Seed)
		default:
			return nil, fmt.Errorf("unknown clarify provider %q", cfg.Provider)
		}
		if err != nil {
			return nil, err
		}
		return NewModelEngine(completer, ModelOptions{
			Fallback:          heuristic,
			RequestsPerSecond: cfg.RequestsPerSecond,
			CacheTTL:          cfg.CacheTTL,
			CacheSize:         cfg.CacheSize,
			Logger:            logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown clarify mode %q", cfg.Mode)
	}
}
