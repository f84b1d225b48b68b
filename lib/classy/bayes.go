package classy

import (
	"context"
	"log"
	"sync"
)

// DefaultThreshold used for categories without explicit threshold
const DefaultThreshold = 1.0

// NaiveBayes classifier. Picks the category with the highest Pr(Category|Document), but only if
// it's at least threshold times higher than Pr for every other category.
type NaiveBayes struct {
	*model
	lock       sync.RWMutex
	thresholds map[string]float64
}

// NewNaiveBayes makes NaiveBayes classifier with the given counter and extractor
func NewNaiveBayes(counter Counter, extractor Extractor) *NaiveBayes {
	return &NaiveBayes{model: newModel(counter, extractor), thresholds: make(map[string]float64)}
}

// WithShrinkage sets weight and assumed probability used for weighted probabilities
func (nb *NaiveBayes) WithShrinkage(weight, assumedProb float64) *NaiveBayes {
	nb.est.WithShrinkage(weight, assumedProb)
	return nb
}

// Train adds the item to the category
func (nb *NaiveBayes) Train(ctx context.Context, item, category string) error {
	return nb.train(ctx, item, category)
}

// Reset drops all trained counts, requires the counter to implement Resetter
func (nb *NaiveBayes) Reset(ctx context.Context) error {
	return nb.reset(ctx)
}

// SetThreshold sets the threshold factor for the category
func (nb *NaiveBayes) SetThreshold(category string, t float64) {
	nb.lock.Lock()
	defer nb.lock.Unlock()
	nb.thresholds[category] = t
}

// ClearThreshold drops the threshold set for the category, DefaultThreshold applies again
func (nb *NaiveBayes) ClearThreshold(category string) {
	nb.lock.Lock()
	defer nb.lock.Unlock()
	delete(nb.thresholds, category)
}

// Threshold returns the threshold factor for the category, DefaultThreshold if not set
func (nb *NaiveBayes) Threshold(category string) float64 {
	nb.lock.RLock()
	defer nb.lock.RUnlock()
	if t, ok := nb.thresholds[category]; ok {
		return t
	}
	return DefaultThreshold
}

// Thresholds returns a copy of all explicitly set thresholds
func (nb *NaiveBayes) Thresholds() map[string]float64 {
	nb.lock.RLock()
	defer nb.lock.RUnlock()
	res := make(map[string]float64, len(nb.thresholds))
	for k, v := range nb.thresholds {
		res[k] = v
	}
	return res
}

// DocumentProb returns Pr(Document|Category), the product of weighted feature probabilities.
// An item without features has probability 1.
func (nb *NaiveBayes) DocumentProb(ctx context.Context, item, category string) (float64, error) {
	features, err := nb.features(item)
	if err != nil {
		return 0, err
	}
	return nb.documentProb(ctx, features, category)
}

func (nb *NaiveBayes) documentProb(ctx context.Context, features []string, category string) (float64, error) {
	p := 1.0
	for _, f := range features {
		wp, err := nb.est.WeightedProb(ctx, f, category, nb.est.FeatureProb)
		if err != nil {
			return 0, err
		}
		p *= wp
	}
	return p, nil
}

// CategoryScore returns Pr(Document|Category)*Pr(Category). Pr(Document) is skipped as it scales all
// categories by the same factor. Returns ErrInsufficientData if nothing was trained.
func (nb *NaiveBayes) CategoryScore(ctx context.Context, item, category string) (float64, error) {
	features, err := nb.features(item)
	if err != nil {
		return 0, err
	}
	return nb.categoryScore(ctx, features, category)
}

func (nb *NaiveBayes) categoryScore(ctx context.Context, features []string, category string) (float64, error) {
	total, err := nb.counter.TotalCount(ctx)
	if err != nil {
		return 0, &StorageError{Op: "total count", Err: err}
	}
	if total == 0 {
		return 0, ErrInsufficientData
	}
	catCount, err := nb.counter.CategoryCount(ctx, category)
	if err != nil {
		return 0, &StorageError{Op: "category count", Err: err}
	}
	docProb, err := nb.documentProb(ctx, features, category)
	if err != nil {
		return 0, err
	}
	return docProb * float64(catCount) / float64(total), nil
}

// Decide scores all categories and applies thresholds
func (nb *NaiveBayes) Decide(ctx context.Context, item string) (Decision, error) {
	features, err := nb.features(item)
	if err != nil {
		return Decision{}, err
	}
	cats, err := nb.categories(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(cats) == 0 {
		return Decision{}, ErrInsufficientData
	}

	scores := make([]Score, 0, len(cats))
	for _, c := range cats {
		v, err := nb.categoryScore(ctx, features, c)
		if err != nil {
			return Decision{}, err
		}
		scores = append(scores, Score{Category: c, Value: v})
	}

	res := Decision{Scores: scores}
	best, ok := pickBest(scores, nil)
	if !ok {
		return res, nil
	}

	// best should exceed any other category at least threshold times
	threshold := nb.Threshold(best.Category)
	for _, s := range scores {
		if s.Category == best.Category {
			continue
		}
		if s.Value*threshold > best.Value {
			log.Printf("[DEBUG] %q doesn't beat %q by threshold %.2f", best.Category, s.Category, threshold)
			return res, nil
		}
	}
	res.Category, res.Matched = best.Category, true
	return res, nil
}

// Classify returns the best category or def if no category passed the threshold
func (nb *NaiveBayes) Classify(ctx context.Context, item, def string) (string, error) {
	d, err := nb.Decide(ctx, item)
	if err != nil {
		return "", err
	}
	if !d.Matched {
		return def, nil
	}
	return d.Category, nil
}
