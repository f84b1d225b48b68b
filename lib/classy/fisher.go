package classy

import (
	"context"
	"math"
	"sync"
)

// Fisher classifier combines feature probabilities with Fisher's method. Each category gets a score
// in [0, 1], the highest score above the category minimum wins.
type Fisher struct {
	*model
	lock     sync.RWMutex
	minimums map[string]float64
}

// NewFisher makes Fisher classifier with the given counter and extractor
func NewFisher(counter Counter, extractor Extractor) *Fisher {
	return &Fisher{model: newModel(counter, extractor), minimums: make(map[string]float64)}
}

// WithShrinkage sets weight and assumed probability used for weighted probabilities
func (f *Fisher) WithShrinkage(weight, assumedProb float64) *Fisher {
	f.est.WithShrinkage(weight, assumedProb)
	return f
}

// Train adds the item to the category
func (f *Fisher) Train(ctx context.Context, item, category string) error {
	return f.train(ctx, item, category)
}

// Reset drops all trained counts, requires the counter to implement Resetter
func (f *Fisher) Reset(ctx context.Context) error {
	return f.reset(ctx)
}

// SetMinimum sets the minimal score for the category
func (f *Fisher) SetMinimum(category string, v float64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.minimums[category] = v
}

// ClearMinimum drops the minimal score set for the category, 0 applies again
func (f *Fisher) ClearMinimum(category string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.minimums, category)
}

// Minimum returns the minimal score for the category, 0 if not set
func (f *Fisher) Minimum(category string) float64 {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.minimums[category]
}

// Minimums returns a copy of all explicitly set minimums
func (f *Fisher) Minimums() map[string]float64 {
	f.lock.RLock()
	defer f.lock.RUnlock()
	res := make(map[string]float64, len(f.minimums))
	for k, v := range f.minimums {
		res[k] = v
	}
	return res
}

// CategoryFeatureProb returns the frequency of the feature in the category divided by the sum of its
// frequencies in all categories, i.e. the probability that an item with this feature is in the category.
func (f *Fisher) CategoryFeatureProb(ctx context.Context, feature, category string) (float64, error) {
	clf, err := f.est.FeatureProb(ctx, feature, category)
	if err != nil {
		return 0, err
	}
	if clf == 0 {
		return 0, nil
	}

	cats, err := f.categories(ctx)
	if err != nil {
		return 0, err
	}
	freqSum := 0.0
	for _, c := range cats {
		p, err := f.est.FeatureProb(ctx, feature, c)
		if err != nil {
			return 0, err
		}
		freqSum += p
	}
	if freqSum == 0 {
		return 0, nil
	}
	return clf / freqSum, nil
}

// Score returns Fisher's probability of the item for the category
func (f *Fisher) Score(ctx context.Context, item, category string) (float64, error) {
	features, err := f.features(item)
	if err != nil {
		return 0, err
	}
	return f.score(ctx, features, category)
}

// score multiplies weighted probabilities (summing logs, same result without underflow),
// takes -2*ln and converts it to probability with inverse chi2
func (f *Fisher) score(ctx context.Context, features []string, category string) (float64, error) {
	logSum := 0.0
	for _, feature := range features {
		wp, err := f.est.WeightedProb(ctx, feature, category, f.CategoryFeatureProb)
		if err != nil {
			return 0, err
		}
		logSum += math.Log(wp)
	}
	return InvChi2(-2*logSum, len(features)*2), nil
}

// Decide scores all categories and applies minimums
func (f *Fisher) Decide(ctx context.Context, item string) (Decision, error) {
	features, err := f.features(item)
	if err != nil {
		return Decision{}, err
	}
	cats, err := f.categories(ctx)
	if err != nil {
		return Decision{}, err
	}

	scores := make([]Score, 0, len(cats))
	for _, c := range cats {
		v, err := f.score(ctx, features, c)
		if err != nil {
			return Decision{}, err
		}
		scores = append(scores, Score{Category: c, Value: v})
	}

	res := Decision{Scores: scores}
	best, ok := pickBest(scores, func(s Score) bool { return s.Value > f.Minimum(s.Category) })
	if !ok {
		return res, nil
	}
	res.Category, res.Matched = best.Category, true
	return res, nil
}

// Classify returns the best category or def if no category passed its minimum
func (f *Fisher) Classify(ctx context.Context, item, def string) (string, error) {
	d, err := f.Decide(ctx, item)
	if err != nil {
		return "", err
	}
	if !d.Matched {
		return def, nil
	}
	return d.Category, nil
}

// InvChi2 returns the upper tail probability of the chi-squared distribution with even degrees of freedom.
// The result is clamped to [0, 1].
func InvChi2(chi float64, df int) float64 {
	if math.IsNaN(chi) || math.IsInf(chi, 1) {
		return 0
	}
	m := chi / 2.0
	term := math.Exp(-m)
	sum := term
	for i := 1; i < df/2; i++ {
		term *= m / float64(i)
		sum += term
	}
	return math.Max(0, math.Min(sum, 1.0))
}
