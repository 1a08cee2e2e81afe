// ABOUTME: Tests for the hand-off classifier and keyword persistence
// ABOUTME: Covers keyword order, case folding, the frustration length gate and seeding

package handoff

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestClassify_KeywordSubstring(t *testing.T) {
	c, err := New([]string{"refund", "Speak to a Human"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want Decision
	}{
		{"exact", "refund", Decision{true, TriggerKeyword, "refund"}},
		{"case folded", "I want a REFUND now", Decision{true, TriggerKeyword, "refund"}},
		{"inside word", "refunds please", Decision{true, TriggerKeyword, "refund"}},
		{"phrase", "can i speak to a human?", Decision{true, TriggerKeyword, "speak to a human"}},
		{"no match", "what are your opening hours", Decision{}},
		{"empty", "", Decision{}},
		{"whitespace", "   ", Decision{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

func TestClassify_FirstKeywordInListOrderWins(t *testing.T) {
	c, err := New([]string{"manager", "refund"}, nil)
	require.NoError(t, err)

	d := c.Classify("refund or I call your manager")
	assert.Equal(t, "manager", d.Term)

	require.NoError(t, c.SetKeywords([]string{"refund", "manager"}))
	d = c.Classify("refund or I call your manager")
	assert.Equal(t, "refund", d.Term)
}

func TestClassify_FrustrationNeedsLongMessage(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	short := "this is useless!!!"
	assert.False(t, c.ShouldEscalate(short), "short exclamations do not escalate")

	exactly100 := "useless " + strings.Repeat("a", 92)
	require.Len(t, []rune(exactly100), 100)
	assert.False(t, c.ShouldEscalate(exactly100))

	long := "I have tried three times to update my card and it is still not working, this is honestly the worst experience"
	require.Greater(t, len([]rune(long)), 100)
	d := c.Classify(long)
	assert.True(t, d.Escalate)
	assert.Equal(t, TriggerFrustration, d.Trigger)

	calm := strings.Repeat("thank you for the quick answer ", 5)
	assert.False(t, c.ShouldEscalate(calm))
}

func TestClassify_KeywordBeatsLengthGate(t *testing.T) {
	c, err := New([]string{"cancel"}, nil)
	require.NoError(t, err)
	assert.True(t, c.ShouldEscalate("Cancel!"))
}

func TestSetKeywords_NormalizesAndDedupes(t *testing.T) {
	c, err := New([]string{" Refund ", "refund", "", "Billing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"refund", "billing"}, c.Keywords())

	require.NoError(t, c.SetKeywords(nil))
	assert.Empty(t, c.Keywords())
	assert.False(t, c.ShouldEscalate("refund"))
}

type memSettings struct {
	values map[string]any
}

func (m *memSettings) GetSetting(_ context.Context, key string, v any) error {
	stored, ok := m.values[key]
	if !ok {
		return store.ErrNotFound
	}
	*(v.(*[]string)) = stored.([]string)
	return nil
}

func (m *memSettings) PutSetting(_ context.Context, key string, v any) error {
	m.values[key] = v
	return nil
}

func TestKeywords_SeedThenStored(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "keywords.toml")
	require.NoError(t, os.WriteFile(seed, []byte(`keywords = ["refund", "lawyer"]`), 0o644))

	c, err := New(nil, nil)
	require.NoError(t, err)
	settings := &memSettings{values: map[string]any{}}
	kw := NewKeywords(settings, c)

	require.NoError(t, kw.Load(context.Background(), seed))
	assert.Equal(t, []string{"refund", "lawyer"}, kw.List())
	assert.Equal(t, []string{"refund", "lawyer"}, settings.values[store.SettingHandoffKeywords])

	// Stored keywords take precedence over the seed on the next start
	settings.values[store.SettingHandoffKeywords] = []string{"chargeback"}
	require.NoError(t, kw.Load(context.Background(), seed))
	assert.Equal(t, []string{"chargeback"}, kw.List())
	assert.True(t, c.ShouldEscalate("I will file a chargeback"))
}

func TestKeywords_NoSeedNoStore(t *testing.T) {
	c, err := New([]string{"refund"}, nil)
	require.NoError(t, err)
	kw := NewKeywords(&memSettings{values: map[string]any{}}, c)
	require.NoError(t, kw.Load(context.Background(), ""))
	assert.Equal(t, []string{"refund"}, kw.List())
}
