// ABOUTME: Decides whether an inbound message needs a human operator
// ABOUTME: Ordered keyword list matched with Aho-Corasick, then a length-gated frustration check

package handoff

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	goahocorasick "github.com/anknown/ahocorasick"

	"github.com/2389/switchboard/internal/metrics"
)

// frustrationMinRunes gates the frustration check; shorter messages are
// treated as exclamations and never escalate on frustration alone.
const frustrationMinRunes = 100

// frustrationIndicators is the fixed set checked when no keyword matched.
var frustrationIndicators = []string{
	"!!!",
	"???",
	"useless",
	"ridiculous",
	"terrible",
	"worst",
	"frustrated",
	"frustrating",
	"annoyed",
	"angry",
	"unacceptable",
	"waste of time",
	"not helpful",
	"doesn't work",
	"does not work",
	"still not working",
	"nobody is helping",
}

// Trigger says why a message escalated
type Trigger string

const (
	TriggerNone        Trigger = ""
	TriggerKeyword     Trigger = "keyword"
	TriggerFrustration Trigger = "frustration"
)

// Decision is the classifier output
type Decision struct {
	Escalate bool
	Trigger  Trigger
	Term     string
}

// matcher finds which of a fixed pattern set occur in a text.
type matcher struct {
	machine *goahocorasick.Machine
}

func newMatcher(patterns []string) (*matcher, error) {
	unique := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = normalize(p)
		if p != "" {
			unique = append(unique, p)
		}
	}
	slices.Sort(unique)
	unique = slices.Compact(unique)
	if len(unique) == 0 {
		return &matcher{}, nil
	}

	runes := make([][]rune, len(unique))
	for i, p := range unique {
		runes[i] = []rune(p)
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(runes); err != nil {
		return nil, fmt.Errorf("building matcher: %w", err)
	}
	return &matcher{machine: m}, nil
}

// find returns the set of patterns occurring in text (already normalized).
func (m *matcher) find(text string) map[string]bool {
	if m.machine == nil || text == "" {
		return nil
	}
	terms := m.machine.MultiPatternSearch([]rune(text), false)
	if len(terms) == 0 {
		return nil
	}
	found := make(map[string]bool, len(terms))
	for _, term := range terms {
		found[string(term.Word)] = true
	}
	return found
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Classifier is safe for concurrent use. Keywords can be replaced at runtime.
type Classifier struct {
	mu          sync.RWMutex
	keywords    []string
	keywordSet  *matcher
	frustration *matcher
	logger      *slog.Logger
}

// New builds a classifier for the given ordered keyword list.
func New(keywords []string, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	frustration, err := newMatcher(frustrationIndicators)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		frustration: frustration,
		logger:      logger.With("component", "handoff"),
	}
	if err := c.SetKeywords(keywords); err != nil {
		return nil, err
	}
	return c, nil
}

// SetKeywords replaces the keyword list. Order matters: when several
// keywords occur, the earliest in the list is reported.
func (c *Classifier) SetKeywords(keywords []string) error {
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = normalize(k); k != "" && !slices.Contains(cleaned, k) {
			cleaned = append(cleaned, k)
		}
	}
	m, err := newMatcher(cleaned)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.keywords = cleaned
	c.keywordSet = m
	c.mu.Unlock()
	c.logger.Info("handoff keywords loaded", "count", len(cleaned))
	return nil
}

// Keywords returns the current ordered keyword list
func (c *Classifier) Keywords() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.keywords)
}

// ShouldEscalate is Classify reduced to a boolean
func (c *Classifier) ShouldEscalate(text string) bool {
	return c.Classify(text).Escalate
}

// Classify inspects text. Empty text never escalates. Any failure inside
// matching yields a non-escalating decision so the message still flows.
func (c *Classifier) Classify(text string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classifier panic", "panic", r)
			d = Decision{}
		}
	}()

	lowered := normalize(text)
	if lowered == "" {
		return Decision{}
	}

	c.mu.RLock()
	keywords, keywordSet := c.keywords, c.keywordSet
	c.mu.RUnlock()

	if found := keywordSet.find(lowered); len(found) > 0 {
		for _, k := range keywords {
			if found[k] {
				c.logger.Info("handoff keyword matched", "keyword", k)
				metrics.Handoffs.WithLabelValues(string(TriggerKeyword)).Inc()
				return Decision{Escalate: true, Trigger: TriggerKeyword, Term: k}
			}
		}
	}

	if utf8.RuneCountInString(text) <= frustrationMinRunes {
		return Decision{}
	}
	if found := c.frustration.find(lowered); len(found) > 0 {
		for _, k := range frustrationIndicators {
			if found[k] {
				c.logger.Info("handoff frustration matched", "indicator", k)
				metrics.Handoffs.WithLabelValues(string(TriggerFrustration)).Inc()
				return Decision{Escalate: true, Trigger: TriggerFrustration, Term: k}
			}
		}
	}
	return Decision{}
}
