// ABOUTME: Persistence of the admin-edited hand-off keyword list
// ABOUTME: Reads the settings table, seeding it from a TOML file on first start

package handoff

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/2389/switchboard/internal/store"
)

// SettingsStore is the subset of storage the keyword manager needs
type SettingsStore interface {
	GetSetting(ctx context.Context, key string, v any) error
	PutSetting(ctx context.Context, key string, v any) error
}

// seedFile is the TOML layout of a keyword seed file:
//
//	keywords = ["refund", "speak to a human"]
type seedFile struct {
	Keywords []string `toml:"keywords"`
}

// LoadSeedFile reads an ordered keyword list from a TOML file
func LoadSeedFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyword file: %w", err)
	}
	var seed seedFile
	if _, err := toml.Decode(string(data), &seed); err != nil {
		return nil, fmt.Errorf("parsing keyword file: %w", err)
	}
	return seed.Keywords, nil
}

// Keywords keeps the classifier and the settings row in sync
type Keywords struct {
	store      SettingsStore
	classifier *Classifier
}

// NewKeywords binds a classifier to its settings row
func NewKeywords(st SettingsStore, classifier *Classifier) *Keywords {
	return &Keywords{store: st, classifier: classifier}
}

// Load applies the stored keywords. When none are stored yet and seedPath is
// set, the seed file is stored and applied instead.
func (k *Keywords) Load(ctx context.Context, seedPath string) error {
	var keywords []string
	err := k.store.GetSetting(ctx, store.SettingHandoffKeywords, &keywords)
	switch {
	case err == nil:
		return k.classifier.SetKeywords(keywords)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading keywords: %w", err)
	case seedPath == "":
		return nil
	}

	seed, err := LoadSeedFile(seedPath)
	if err != nil {
		return err
	}
	return k.Update(ctx, seed)
}

// Update stores and applies a new ordered keyword list
func (k *Keywords) Update(ctx context.Context, keywords []string) error {
	if err := k.classifier.SetKeywords(keywords); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if err := k.store.PutSetting(ctx, store.SettingHandoffKeywords, k.classifier.Keywords()); err != nil {
		return fmt.Errorf("saving keywords: %w", err)
	}
	return nil
}

// List returns the active keywords
func (k *Keywords) List() []string {
	return k.classifier.Keywords()
}
