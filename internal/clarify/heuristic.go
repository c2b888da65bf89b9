// ABOUTME: Keyword and slot based clarification engine
// ABOUTME: Matches the query to an intent frame and asks one question per missing required slot

package clarify

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// slot is a required piece of information for an intent.
type slot struct {
	name      string
	question  string
	rationale string
	priority  int
	present   func(text string) bool
}

// frame is an intent recognized by trigger words.
type frame struct {
	name     string
	triggers []string
	slots    []slot
}

var (
	arithmeticRe  = regexp.MustCompile(`^[\d\s.,()+\-*/x×÷^%=?]+$`)
	destinationRe = regexp.MustCompile(`\b(to|in|for|towards)\s+[A-Z][\p{L}'-]+`)
	clockRe       = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s?(am|pm)\b|\b\d{1,2}:\d{2}\b`)
	numericDateRe = regexp.MustCompile(`\b\d{1,4}[/-]\d{1,2}([/-]\d{1,4})?\b`)
	moneyRe       = regexp.MustCompile(`[$€£]\s?\d|\b\d+\s?(dollars|euros|usd|eur|gbp|bucks)\b`)
	mayDayRe      = regexp.MustCompile(`\bmay\s+\d{1,2}\b`)
	lengthRe      = regexp.MustCompile(`\b\d+\s?(words?|pages?|paragraphs?|sentences?|lines?|minutes?)\b`)
	questionWords = []string{"who", "what", "when", "where", "why", "how", "which", "is", "are", "does", "do", "can", "could", "should", "will"}
	dateWords     = []string{
		"today", "tomorrow", "tonight", "weekend", "next week", "next month", "next year",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"january", "february", "march", "april", "may", "june", "july", "august",
		"september", "october", "november", "december",
		"jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep", "sept", "oct", "nov", "dec",
	}
	techWords = []string{
		"python", "golang", " go ", "react", "vue", "angular", "svelte", "django", "flask",
		"rails", "node", "typescript", "javascript", "rust", "java", "kotlin", "swift",
		"flutter", "php", "laravel", "spring", ".net", "c#", "c++", "postgres", "sqlite",
	}
	toneWords = []string{
		"formal", "informal", "casual", "friendly", "professional", "funny", "humorous",
		"serious", "persuasive", "academic", "polite",
	}
	sizeWords = []string{"short", "long", "brief", "detailed", "concise", "one-page", "tweet"}
)

var frames = []frame{
	{
		name:     "travel",
		triggers: []string{"flight", "flights", "fly", "plane", "trip", "travel", "hotel", "train", "airline"},
		slots: []slot{
			{
				name:      "destination",
				question:  "Where would you like to go?",
				rationale: "A booking needs a destination.",
				priority:  100,
				present:   func(text string) bool { return destinationRe.MatchString(text) },
			},
			{
				name:      "date",
				question:  "When do you want to travel?",
				rationale: "Availability and price depend on the travel date.",
				priority:  90,
				present:   hasDate,
			},
		},
	},
	{
		name:     "schedule",
		triggers: []string{"schedule", "meeting", "appointment", "remind", "reminder", "calendar", "call with"},
		slots: []slot{
			{
				name:      "datetime",
				question:  "What date and time should it be?",
				rationale: "A calendar entry needs a time.",
				priority:  100,
				present: func(text string) bool {
					return hasDate(text) && clockRe.MatchString(strings.ToLower(text))
				},
			},
			{
				name:      "participants",
				question:  "Who should be included?",
				rationale: "Invitations go to the participants.",
				priority:  80,
				present:   func(text string) bool { return containsWord(text, "with") },
			},
		},
	},
	{
		name:     "buy",
		triggers: []string{"buy", "purchase", "order", "shop", "shopping"},
		slots: []slot{
			{
				name:      "item",
				question:  "What exactly do you want to buy?",
				rationale: "The product has to be identified first.",
				priority:  100,
				present: func(text string) bool {
					return contentWords(text, "buy", "purchase", "order", "shop", "shopping", "something", "stuff", "thing") >= 1
				},
			},
			{
				name:      "budget",
				question:  "What is your budget?",
				rationale: "Options differ widely by price.",
				priority:  80,
				present: func(text string) bool {
					lower := strings.ToLower(text)
					return moneyRe.MatchString(lower) || containsWord(lower, "budget") || containsWord(lower, "under")
				},
			},
		},
	},
	{
		name:     "write",
		triggers: []string{"write", "draft", "compose", "essay", "email", "letter", "article", "blog", "story", "poem", "post"},
		slots: []slot{
			{
				name:      "topic",
				question:  "What should it be about?",
				rationale: "The subject determines the content.",
				priority:  100,
				present: func(text string) bool {
					return containsWord(text, "about") || containsWord(text, "on") || containsWord(text, "regarding")
				},
			},
			{
				name:      "audience",
				question:  "Who is the audience, and what tone should it have?",
				rationale: "Tone and vocabulary depend on the reader.",
				priority:  70,
				present: func(text string) bool {
					return containsWord(text, "for") || containsAny(text, toneWords)
				},
			},
			{
				name:      "length",
				question:  "Is there any specific format or length you expect?",
				rationale: "Length shapes structure and depth.",
				priority:  50,
				present: func(text string) bool {
					return lengthRe.MatchString(strings.ToLower(text)) || containsAny(text, sizeWords)
				},
			},
		},
	},
	{
		name:     "build",
		triggers: []string{"build", "create", "make", "develop", "implement", "code", "program", "app", "website", "script"},
		slots: []slot{
			{
				name:      "purpose",
				question:  "What should it do? Which features matter most?",
				rationale: "The core features drive the design.",
				priority:  100,
				present: func(text string) bool {
					return contentWords(text,
						"build", "create", "make", "develop", "implement", "code", "program", "write",
						"app", "application", "website", "site", "web", "script", "tool", "new", "simple", "please",
					) >= 3
				},
			},
			{
				name:      "tech_stack",
				question:  "Which platform, language or framework should it use?",
				rationale: "The stack constrains every later choice.",
				priority:  80,
				present:   func(text string) bool { return containsAny(" "+text+" ", techWords) },
			},
			{
				name:      "audience",
				question:  "Who will use it?",
				rationale: "Users determine scale and interface.",
				priority:  60,
				present:   func(text string) bool { return containsWord(text, "for") },
			},
		},
	},
}

// generic is used when no frame matches and the request is too thin to act on.
var generic = []slot{
	{
		name:      "details",
		question:  "Could you please provide more details about your request?",
		rationale: "The request is too short to act on.",
		priority:  100,
	},
	{
		name:      "format",
		question:  "Is there any specific format or length you expect?",
		rationale: "The expected output is unclear.",
		priority:  50,
	},
}

// Heuristic is the rule-based engine. It never fails and never blocks.
type Heuristic struct{}

// NewHeuristic returns the rule-based engine.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Evaluate returns questions for the slots the query and the conversation
// history leave open.
func (h *Heuristic) Evaluate(ctx context.Context, query string, c Context) ([]Question, error) {
	query = strings.TrimSpace(query)
	if query == "" || isArithmetic(query) {
		return []Question{}, nil
	}

	// Slots may be satisfied by anything said earlier in the conversation
	known := query
	if len(c.History) > 0 {
		known = strings.Join(c.History, " ") + " " + query
	}

	f := matchFrame(query)
	if f == nil {
		if isFactualQuestion(query) || contentWords(query) >= 3 {
			return []Question{}, nil
		}
		return finalize(slotsToQuestions(generic, known), c), nil
	}

	return finalize(slotsToQuestions(f.slots, known), c), nil
}

func slotsToQuestions(slots []slot, known string) []Question {
	questions := make([]Question, 0, len(slots))
	for _, s := range slots {
		if s.present != nil && s.present(known) {
			continue
		}
		questions = append(questions, Question{
			Text:      s.question,
			Rationale: s.rationale,
			Priority:  s.priority,
			Slot:      s.name,
		})
	}
	return questions
}

// matchFrame returns the first frame with a trigger word in the query.
func matchFrame(query string) *frame {
	words := words(query)
	lower := strings.ToLower(query)
	for i := range frames {
		for _, trig := range frames[i].triggers {
			if strings.Contains(trig, " ") {
				if strings.Contains(lower, trig) {
					return &frames[i]
				}
				continue
			}
			if words[trig] {
				return &frames[i]
			}
		}
	}
	return nil
}

// isArithmetic reports whether the query is a calculation, optionally
// wrapped in "what is" / "calculate" phrasing.
func isArithmetic(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range []string{"what's", "whats", "what is", "calculate", "compute", "how much is", "solve"} {
		if strings.HasPrefix(lower, prefix) {
			lower = strings.TrimSpace(strings.TrimPrefix(lower, prefix))
			break
		}
	}
	if lower == "" || !strings.ContainsAny(lower, "0123456789") {
		return false
	}
	return arithmeticRe.MatchString(lower)
}

// isFactualQuestion reports whether the query reads as a direct question.
func isFactualQuestion(query string) bool {
	q := strings.TrimSpace(query)
	if strings.HasSuffix(q, "?") {
		return true
	}
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimSuffix(strings.ToLower(fields[0]), "'s")
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}

func hasDate(text string) bool {
	lower := strings.ToLower(text)
	if numericDateRe.MatchString(lower) {
		return true
	}
	w := words(lower)
	for _, d := range dateWords {
		if strings.Contains(d, " ") {
			if strings.Contains(lower, d) {
				return true
			}
			continue
		}
		// "may" alone is too ambiguous unless followed by a day number
		if d == "may" {
			if mayDayRe.MatchString(lower) {
				return true
			}
			continue
		}
		if w[d] {
			return true
		}
	}
	return false
}

// words returns the lowercased word set of text.
func words(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		set[f] = true
	}
	return set
}

func containsWord(text, word string) bool {
	return words(text)[strings.ToLower(word)]
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// filler words never count as content.
var filler = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "me": true, "my": true, "we": true,
	"to": true, "for": true, "of": true, "and": true, "or": true, "with": true, "in": true,
	"on": true, "it": true, "is": true, "be": true, "can": true, "you": true, "some": true,
	"want": true, "need": true, "would": true, "like": true, "help": true, "please": true,
	"that": true, "this": true, "do": true, "something": true,
}

// contentWords counts words of text that are neither filler nor in exclude.
func contentWords(text string, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	n := 0
	for w := range words(text) {
		if !filler[w] && !skip[w] {
			n++
		}
	}
	return n
}

var _ Engine = (*Heuristic)(nil)
