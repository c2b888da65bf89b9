// ABOUTME: Parses model output into clarifying questions using the goldmark markdown AST
// ABOUTME: Accepts a bullet or numbered list, each item optionally prefixed with a [slot] tag

package clarify

import (
	"errors"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// noneReply is what the model answers when nothing needs clarifying.
const noneReply = "NONE"

var slotTagRe = regexp.MustCompile(`^\[([a-zA-Z0-9_ -]{1,40})\]\s*:?\s*`)

var errUnparseable = errors.New("model output has no question list")

var markdown = goldmark.New()

// parseQuestions extracts the top-level list items of a markdown document.
// Earlier items get higher priority.
func parseQuestions(output string) ([]Question, error) {
	trimmed := strings.TrimSpace(output)
	if strings.EqualFold(strings.Trim(trimmed, ".`* "), noneReply) {
		return []Question{}, nil
	}

	src := []byte(trimmed)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var items []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		list, ok := n.(*ast.List)
		if !ok {
			continue
		}
		for item := list.FirstChild(); item != nil; item = item.NextSibling() {
			if _, ok := item.(*ast.ListItem); !ok {
				continue
			}
			if s := strings.TrimSpace(itemText(item, src)); s != "" {
				items = append(items, s)
			}
		}
		// Only the first list is the answer; later lists are commentary
		break
	}

	if len(items) == 0 {
		return nil, errUnparseable
	}

	questions := make([]Question, 0, len(items))
	for i, item := range items {
		q := Question{Priority: 100 - i}
		if m := slotTagRe.FindStringSubmatch(item); m != nil {
			q.Slot = normalizeSlot(m[1])
			item = strings.TrimSpace(item[len(m[0]):])
		}
		if item == "" {
			continue
		}
		q.Text = item
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, errUnparseable
	}
	return questions, nil
}

// itemText concatenates the inline text of a list item, skipping nested lists.
func itemText(item ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(item, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n != item && n.Kind() == ast.KindList {
			return ast.WalkSkipChildren, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeSlot(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
