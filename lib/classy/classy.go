// Package classy provides incremental document classifiers built on a shared feature/category frequency store.
// Two strategies are available, both implementing the Classifier interface:
//
//   - NaiveBayes multiplies per-feature conditional probabilities by the category prior and picks a winner only
//     if it beats every rival by the per-category threshold factor (SetThreshold, default 1.0).
//
//   - Fisher combines per-feature probabilities with Fisher's method and converts the statistic back to a
//     probability with the inverse chi-squared function. A category wins only if its score exceeds the
//     per-category minimum (SetMinimum, default 0).
//
// Counts are kept by a Counter. MemCounter keeps them in memory, app/storage.Counts keeps them in sqlite or
// postgres. Items are turned into features by an Extractor supplied by the caller, see lib/features for
// the available extractors.
//
// Classifiers are safe for concurrent use as long as the Counter is.
package classy

import (
	"context"
	"errors"
	"fmt"
)

// ErrInsufficientData returned when a score can't be calculated because nothing was trained yet
var ErrInsufficientData = errors.New("insufficient data, no items trained")

// ErrEmptyCategory returned on attempt to train an item without category
var ErrEmptyCategory = errors.New("empty category")

// StorageError wraps failures of the Counter
type StorageError struct {
	Op  string
	Err error
}

// Error implements error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error, %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error { return e.Err }

// Counter keeps observation counts of (feature, category) pairs and categories.
// Categories returned in registration order, i.e. the category trained first goes first.
type Counter interface {
	IncFeature(ctx context.Context, feature, category string) error
	IncCategory(ctx context.Context, category string) error
	FeatureCount(ctx context.Context, feature, category string) (int, error)
	CategoryCount(ctx context.Context, category string) (int, error)
	TotalCount(ctx context.Context) (int, error)
	Categories(ctx context.Context) ([]string, error)
}

// Learner is an optional Counter capability to record all features of one item in a single commit
type Learner interface {
	Learn(ctx context.Context, category string, features []string) error
}

// Resetter is an optional Counter capability to drop all counts
type Resetter interface {
	Reset(ctx context.Context) error
}

// Extractor makes a set of unique features from an item
type Extractor interface {
	Features(item string) ([]string, error)
}

// ExtractorFunc is an adapter to use ordinary functions as Extractor
type ExtractorFunc func(item string) ([]string, error)

// Features calls f(item)
func (f ExtractorFunc) Features(item string) ([]string, error) { return f(item) }

// Classifier is the common interface of NaiveBayes and Fisher
type Classifier interface {
	Train(ctx context.Context, item, category string) error
	Classify(ctx context.Context, item, def string) (string, error)
	Decide(ctx context.Context, item string) (Decision, error)
}

// Score is a category score produced by a classifier
type Score struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
}

// Decision is a result of classification. Matched is false if no category passed the confidence policy,
// in this case Category is empty and the caller should use its default.
type Decision struct {
	Category string  `json:"category"`
	Matched  bool    `json:"matched"`
	Scores   []Score `json:"scores"`
}

// model is the part shared by both classifiers, it trains the counter and extracts features
type model struct {
	counter   Counter
	extractor Extractor
	est       *Estimator
}

func newModel(counter Counter, extractor Extractor) *model {
	return &model{counter: counter, extractor: extractor, est: NewEstimator(counter)}
}

// train extracts features from the item and increments counts for each feature and the category.
// Uses Learner if the counter supports it, to commit the whole item at once.
func (m *model) train(ctx context.Context, item, category string) error {
	if category == "" {
		return ErrEmptyCategory
	}
	features, err := m.features(item)
	if err != nil {
		return err
	}

	if l, ok := m.counter.(Learner); ok {
		if err := l.Learn(ctx, category, features); err != nil {
			return &StorageError{Op: "learn", Err: err}
		}
		return nil
	}

	for _, f := range features {
		if err := m.counter.IncFeature(ctx, f, category); err != nil {
			return &StorageError{Op: "increment feature", Err: err}
		}
	}
	if err := m.counter.IncCategory(ctx, category); err != nil {
		return &StorageError{Op: "increment category", Err: err}
	}
	return nil
}

// reset drops all counts if the counter supports it
func (m *model) reset(ctx context.Context) error {
	r, ok := m.counter.(Resetter)
	if !ok {
		return fmt.Errorf("counter %T doesn't support reset", m.counter)
	}
	if err := r.Reset(ctx); err != nil {
		return &StorageError{Op: "reset", Err: err}
	}
	return nil
}

func (m *model) features(item string) ([]string, error) {
	features, err := m.extractor.Features(item)
	if err != nil {
		return nil, fmt.Errorf("can't extract features: %w", err)
	}
	return dedup(features), nil
}

func (m *model) categories(ctx context.Context) ([]string, error) {
	cats, err := m.counter.Categories(ctx)
	if err != nil {
		return nil, &StorageError{Op: "categories", Err: err}
	}
	return cats, nil
}

// dedup removes duplicated features keeping the original order
func dedup(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	res := make([]string, 0, len(features))
	for _, f := range features {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		res = append(res, f)
	}
	return res
}

// pickBest returns the score with the strictly greatest positive value among eligible ones.
// Equal scores keep the earlier one, so with scores in registration order the first registered category wins.
func pickBest(scores []Score, eligible func(Score) bool) (Score, bool) {
	var best Score
	found := false
	for _, s := range scores {
		if eligible != nil && !eligible(s) {
			continue
		}
		if s.Value > best.Value {
			best, found = s, true
		}
	}
	return best, found
}
