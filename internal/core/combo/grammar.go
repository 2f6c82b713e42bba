// Package combo expands composite sale-line names into the stock
// components they consume.
//
// The grammar, over whitespace-separated words with keywords matched
// case-insensitively:
//
//	composite := component ("+" component)*
//	component := words ["with" component ("and" component)*]
//
// A component keeps its full text so the resolver can try the literal
// name before falling back to its mix-and-match expansion.
package combo

import (
	"fmt"
	"strings"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

const (
	kwPlus = "+"
	kwWith = "with"
	kwAnd  = "and"
)

// Composite is a parsed sale-line name.
type Composite struct {
	Input      string
	Components []*Component
}

// Component is one product reference. Base and Addons are set when the
// text has the mix-and-match form.
type Component struct {
	Text   string
	Pos    int // word offset in the input
	Base   *Component
	Addons []*Component
}

// MixAndMatch reports whether the component has an expansion.
func (c *Component) MixAndMatch() bool { return c.Base != nil }

// SyntaxError reports malformed combo grammar.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("combo %q: %s at word %d", e.Input, e.Msg, e.Pos)
}

func (e *SyntaxError) Unwrap() error { return domain.ErrValidation }

type word struct {
	text string
	pos  int
}

// Normalize lower-cases and collapses whitespace.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Parse builds the AST for a sale-line name.
func Parse(input string) (Composite, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Composite{}, &SyntaxError{Input: input, Msg: "empty name"}
	}
	words := make([]word, len(fields))
	for i, f := range fields {
		words[i] = word{text: f, pos: i}
	}

	out := Composite{Input: input}
	for _, part := range splitOn(words, kwPlus) {
		c, err := parseComponent(input, part.words, part.pos)
		if err != nil {
			return Composite{}, err
		}
		out.Components = append(out.Components, c)
	}
	return out, nil
}

type segment struct {
	words []word
	pos   int // position of the first word, or of the separator before an empty segment
}

func splitOn(words []word, keyword string) []segment {
	var (
		segs []segment
		cur  []word
		pos  int
	)
	if len(words) > 0 {
		pos = words[0].pos
	}
	for _, w := range words {
		if strings.EqualFold(w.text, keyword) {
			segs = append(segs, segment{words: cur, pos: pos})
			cur, pos = nil, w.pos
			continue
		}
		if len(cur) == 0 {
			pos = w.pos
		}
		cur = append(cur, w)
	}
	return append(segs, segment{words: cur, pos: pos})
}

func parseComponent(input string, words []word, pos int) (*Component, error) {
	if len(words) == 0 {
		return nil, &SyntaxError{Input: input, Pos: pos, Msg: "empty component"}
	}
	c := &Component{Text: joinWords(words), Pos: words[0].pos}

	with := -1
	for i, w := range words {
		if strings.EqualFold(w.text, kwWith) {
			with = i
			break
		}
	}
	if with < 0 {
		return c, nil
	}
	if with == 0 {
		return nil, &SyntaxError{Input: input, Pos: words[0].pos, Msg: `missing base before "with"`}
	}
	if with == len(words)-1 {
		return nil, &SyntaxError{Input: input, Pos: words[with].pos, Msg: `missing add-on after "with"`}
	}

	base, err := parseComponent(input, words[:with], words[0].pos)
	if err != nil {
		return nil, err
	}
	c.Base = base

	for _, seg := range splitAddons(words[with+1:]) {
		if len(seg.words) == 0 {
			return nil, &SyntaxError{Input: input, Pos: seg.pos, Msg: "empty add-on"}
		}
		addon, err := parseComponent(input, seg.words, seg.pos)
		if err != nil {
			return nil, err
		}
		c.Addons = append(c.Addons, addon)
	}
	return c, nil
}

// splitAddons splits on "and" that is not inside a nested "with" clause's
// own add-on list; a nested clause claims every "and" after it.
func splitAddons(words []word) []segment {
	for i, w := range words {
		if strings.EqualFold(w.text, kwWith) {
			// "A and B with C and D": A, then "B with C and D"
			head := splitOn(words[:i], kwAnd)
			last := head[len(head)-1]
			last.words = append(last.words, words[i:]...)
			head[len(head)-1] = last
			return head
		}
	}
	return splitOn(words, kwAnd)
}

func joinWords(words []word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.text
	}
	return strings.Join(parts, " ")
}
