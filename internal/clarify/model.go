// ABOUTME: Model-backed clarification engine with memoization, rate limiting and heuristic fallback
// ABOUTME: Asks a Completer at temperature 0 with a fixed seed and caches results per input hash

package clarify

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/Gliksbot/Dexter/internal/dedupe"
)

const systemPrompt = `You decide whether a user's request needs clarification before any work starts.
If the request can be acted on as stated, reply with exactly: NONE
Otherwise reply with a markdown bullet list of clarifying questions, most important first,
one question per item. Start each item with the missing piece of information in square
brackets, for example:
- [destination] Where would you like to fly to?
Never ask about details listed under "Known details". Do not add any other text.`

// Prompt is a single deterministic completion request.
type Prompt struct {
	System string
	User   string
}

// Completer is a language model backend.
type Completer interface {
	// Complete returns the model reply for the prompt.
	Complete(ctx context.Context, p Prompt) (string, error)
	// Snapshot identifies the provider and model, used in cache keys.
	Snapshot() string
}

// ModelOptions tunes a ModelEngine.
type ModelOptions struct {
	Fallback          Engine  // used when the model is unavailable; nil returns the error
	RequestsPerSecond float64 // 0 disables limiting
	CacheTTL          time.Duration
	CacheSize         int
	Logger            *slog.Logger
}

// ModelEngine asks a language model which questions to ask.
type ModelEngine struct {
	completer Completer
	fallback  Engine
	limiter   *rate.Limiter
	cache     *dedupe.Cache[[]Question]
	logger    *slog.Logger
}

// NewModelEngine wraps a completer.
func NewModelEngine(c Completer, opts ModelOptions) *ModelEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}

	e := &ModelEngine{
		completer: c,
		fallback:  opts.Fallback,
		cache:     dedupe.New[[]Question](ttl, size),
		logger:    logger.With("component", "clarify.model"),
	}
	if opts.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return e
}

// Close stops the memo cache.
func (e *ModelEngine) Close() {
	e.cache.Close()
}

// Evaluate asks the model, falling back to the heuristic engine when the
// model cannot answer.
func (e *ModelEngine) Evaluate(ctx context.Context, query string, c Context) ([]Question, error) {
	questions, err := e.evaluateModel(ctx, query, c)
	if err == nil {
		return questions, nil
	}
	if e.fallback == nil {
		return nil, err
	}

	e.logger.Warn("model clarification unavailable, using fallback", "error", err)
	return e.fallback.Evaluate(ctx, query, c)
}

func (e *ModelEngine) evaluateModel(ctx context.Context, query string, c Context) ([]Question, error) {
	key := cacheKey(query, c, e.completer.Snapshot())
	if cached, ok := e.cache.Get(key); ok {
		return copyQuestions(cached), nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %v", ErrEngineUnavailable, err)
		}
	}

	reply, err := e.completer.Complete(ctx, Prompt{
		System: systemPrompt,
		User:   userPrompt(query, c),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	parsed, err := parseQuestions(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	questions := finalize(parsed, c)
	e.cache.Set(key, questions)
	return copyQuestions(questions), nil
}

func userPrompt(query string, c Context) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(query)
	b.WriteString("\n")
	if len(c.Answered) > 0 {
		b.WriteString("\nKnown details:\n")
		for _, line := range strings.Split(strings.TrimSpace(contextKey(Context{Answered: c.Answered})), "\n") {
			b.WriteString("- ")
			b.WriteString(strings.TrimPrefix(line, "a:"))
			b.WriteString("\n")
		}
	}
	if len(c.History) > 0 {
		b.WriteString("\nEarlier in this conversation:\n")
		for _, h := range c.History {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// cacheKey hashes everything that can change the model's answer.
func cacheKey(query string, c Context, snapshot string) string {
	sum := blake2b.Sum256([]byte(snapshot + "\x00" + query + "\x00" + contextKey(c)))
	return hex.EncodeToString(sum[:])
}

func copyQuestions(qs []Question) []Question {
	out := make([]Question, len(qs))
	copy(out, qs)
	return out
}

var _ Engine = (*ModelEngine)(nil)
