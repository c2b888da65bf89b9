// ABOUTME: Terminal client for dexter-gateway: asks queries and answers clarifying questions
// ABOUTME: Streams conversation events over SSE while the prompt stays interactive

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/Gliksbot/Dexter/internal/clarify"
	"github.com/Gliksbot/Dexter/internal/conversation"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	convID := flag.String("conversation", "", "Conversation ID to continue")
	flag.Parse()

	fmt.Printf("dexter-tui connected to %s\n", *server)
	token := getToken()
	if token != "" {
		fmt.Println("Auth: JWT token configured (DEXTER_TOKEN)")
	} else {
		fmt.Println("Auth: none (set DEXTER_TOKEN for authentication)")
	}
	fmt.Println("Ask a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := newSession(newAPIClient(*server, token), os.Stdout)
	s.conversationID = *convID
	defer s.stopWatch()

	if err := run(ctx, os.Stdin, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, in io.Reader, s *session) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(s.out, s.promptText())

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		quit, err := s.handleLine(ctx, strings.TrimSpace(input))
		if err != nil {
			red.Fprintf(s.out, "[error] %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// session tracks the current conversation and the questions still open in it.
type session struct {
	client *apiClient
	out    io.Writer

	conversationID string
	pending        []clarify.Question

	mu          sync.Mutex // guards out writes from the watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	watching    string
}

func newSession(client *apiClient, out io.Writer) *session {
	s := &session{client: client}
	s.out = &lockedWriter{mu: &s.mu, w: out}
	return s
}

// lockedWriter serializes writes from the prompt loop and the event watcher.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (s *session) promptText() string {
	if len(s.pending) > 0 {
		return fmt.Sprintf("[%s]> ", s.pending[0].ID)
	}
	return "> "
}

// handleLine runs one line of input. It reports whether the user asked to quit.
func (s *session) handleLine(ctx context.Context, input string) (bool, error) {
	if input == "" {
		return false, nil
	}

	if strings.HasPrefix(input, "/") {
		return s.command(ctx, input)
	}

	if len(s.pending) > 0 {
		return false, s.answerNext(ctx, input)
	}
	return false, s.ask(ctx, input)
}

func (s *session) command(ctx context.Context, input string) (bool, error) {
	name, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		printHelp(s.out)
	case "/new":
		s.stopWatch()
		s.conversationID = ""
		s.pending = nil
		fmt.Fprintln(s.out, "Started a new conversation")
	case "/status":
		return false, s.status(ctx)
	case "/cancel":
		return false, s.cancel(ctx)
	case "/recall":
		if args == "" {
			return false, errors.New("usage: /recall <text>")
		}
		return false, s.recall(ctx, args)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// printHelp displays available commands.
func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  /status        Show the current conversation")
	fmt.Fprintln(out, "  /cancel        Cancel the current conversation")
	fmt.Fprintln(out, "  /recall <text> Search memory for related records")
	fmt.Fprintln(out, "  /new           Start a new conversation")
	fmt.Fprintln(out, "  /help          Show this help")
	fmt.Fprintln(out, "  /quit          Exit the TUI")
	fmt.Fprintln(out, "While questions are open, each line answers the one shown in the prompt.")
}

// ask submits a query. Follow-up queries reuse the conversation so earlier
// turns feed clarification.
func (s *session) ask(ctx context.Context, text string) error {
	if s.conversationID == "" {
		s.conversationID = uuid.New().String()
	}
	s.watch(ctx)

	result, err := s.client.submit(ctx, s.conversationID, text)
	if err != nil {
		return err
	}

	s.pending = result.Questions
	s.showQuestions()
	if result.Status == conversation.StatusClarified {
		green.Fprintf(s.out, "No questions needed. Handoff token %s\n", result.HandoffToken)
	}
	return nil
}

func (s *session) answerNext(ctx context.Context, text string) error {
	q := s.pending[0]
	snap, err := s.client.answer(ctx, s.conversationID, q.ID, text)
	if err != nil {
		if isStatus(err, http.StatusConflict) || isStatus(err, http.StatusNotFound) {
			// Conversation finished underneath us (timeout or cancel)
			s.pending = nil
		}
		return err
	}

	s.pending = snap.PendingQuestions
	switch {
	case snap.Status == conversation.StatusClarified:
		green.Fprintf(s.out, "All questions answered. Handoff token %s\n", snap.HandoffToken)
	case snap.Status == conversation.StatusFailed:
		red.Fprintf(s.out, "Conversation failed: %s\n", snap.FailureReason)
		s.pending = nil
	case len(s.pending) > 0:
		fmt.Fprintf(s.out, "%s %s\n", bold.Sprint(s.pending[0].ID), s.pending[0].Text)
	}
	return nil
}

func (s *session) showQuestions() {
	if len(s.pending) == 0 {
		return
	}
	fmt.Fprintf(s.out, "I need a few details (%d):\n", len(s.pending))
	for _, q := range s.pending {
		fmt.Fprintf(s.out, "  %s %s\n", bold.Sprint(q.ID), q.Text)
	}
}

func (s *session) status(ctx context.Context) error {
	if s.conversationID == "" {
		fmt.Fprintln(s.out, "No conversation yet")
		return nil
	}
	snap, err := s.client.conversation(ctx, s.conversationID)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Conversation %s: %s\n", snap.ConversationID, snap.Status)
	fmt.Fprintf(s.out, "  query: %s\n", snap.Query)
	for _, q := range snap.Questions {
		answer, ok := snap.Answers[q.ID]
		if !ok {
			answer = "(open)"
		}
		fmt.Fprintf(s.out, "  %s %s -> %s\n", q.ID, q.Text, answer)
	}
	if snap.FailureReason != "" {
		fmt.Fprintf(s.out, "  failure: %s\n", snap.FailureReason)
	}
	s.pending = snap.PendingQuestions
	return nil
}

func (s *session) cancel(ctx context.Context) error {
	if s.conversationID == "" {
		return errors.New("no conversation to cancel")
	}
	snap, err := s.client.cancel(ctx, s.conversationID)
	if err != nil {
		return err
	}
	s.pending = nil
	yellow.Fprintf(s.out, "Conversation %s: %s\n", snap.ConversationID, snap.Status)
	return nil
}

func (s *session) recall(ctx context.Context, text string) error {
	resp, err := s.client.recall(ctx, s.conversationID, text, 5)
	if err != nil {
		return err
	}
	if len(resp.Records) == 0 && len(resp.Edges) == 0 {
		fmt.Fprintln(s.out, "Nothing remembered")
		return nil
	}
	for _, r := range resp.Records {
		fmt.Fprintf(s.out, "  %s %.2f %s: %s\n", dim.Sprint(r.Kind), r.Score, r.Role, truncate(r.Content, 70))
	}
	for _, e := range resp.Edges {
		fmt.Fprintf(s.out, "  %s %s %s\n", e.Subject, dim.Sprint(e.Predicate), e.Object)
	}
	return nil
}

// watch streams events for the current conversation in the background.
func (s *session) watch(ctx context.Context) {
	if s.watching == s.conversationID && s.watchCancel != nil {
		return
	}
	s.stopWatch()

	body, err := s.client.openEvents(ctx, s.conversationID)
	if err != nil {
		yellow.Fprintf(s.out, "[events unavailable] %v\n", err)
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.watchCancel = cancel
	s.watchDone = done
	s.watching = s.conversationID

	go func() {
		defer close(done)
		defer body.Close()
		_ = streamSSE(watchCtx, body, func(ev sseEvent) error {
			return renderEvent(s.out, ev)
		})
	}()
	go func() {
		<-watchCtx.Done()
		body.Close()
	}()
}

func (s *session) stopWatch() {
	if s.watchCancel == nil {
		return
	}
	s.watchCancel()
	<-s.watchDone
	s.watchCancel = nil
	s.watchDone = nil
	s.watching = ""
}
