package classy

import "context"

// default shrinkage parameters, see Shrink
const (
	DefaultWeight      = 1.0
	DefaultAssumedProb = 0.5
)

// ProbFunc returns the raw probability of a feature for a category
type ProbFunc func(ctx context.Context, feature, category string) (float64, error)

// Estimator converts raw counts into smoothed probabilities
type Estimator struct {
	counter     Counter
	weight      float64
	assumedProb float64
}

// NewEstimator makes Estimator with default weight and assumed probability
func NewEstimator(counter Counter) *Estimator {
	return &Estimator{counter: counter, weight: DefaultWeight, assumedProb: DefaultAssumedProb}
}

// WithShrinkage sets the weight of the assumed probability and the assumed probability itself
func (e *Estimator) WithShrinkage(weight, assumedProb float64) *Estimator {
	e.weight, e.assumedProb = weight, assumedProb
	return e
}

// FeatureProb returns the probability of the feature in the category, i.e. the share of the category items
// with this feature. Returns 0 for a category without items.
func (e *Estimator) FeatureProb(ctx context.Context, feature, category string) (float64, error) {
	catCount, err := e.counter.CategoryCount(ctx, category)
	if err != nil {
		return 0, &StorageError{Op: "category count", Err: err}
	}
	if catCount == 0 {
		return 0, nil
	}
	count, err := e.counter.FeatureCount(ctx, feature, category)
	if err != nil {
		return 0, &StorageError{Op: "feature count", Err: err}
	}
	return float64(count) / float64(catCount), nil
}

// WeightedProb returns the probability calculated by prf, pulled toward the assumed probability
// proportionally to how rarely the feature was seen across all categories.
func (e *Estimator) WeightedProb(ctx context.Context, feature, category string, prf ProbFunc) (float64, error) {
	basic, err := prf(ctx, feature, category)
	if err != nil {
		return 0, err
	}
	totals, err := e.featureTotal(ctx, feature)
	if err != nil {
		return 0, err
	}
	return Shrink(basic, totals, e.weight, e.assumedProb), nil
}

// featureTotal returns the number of times the feature has appeared in all categories
func (e *Estimator) featureTotal(ctx context.Context, feature string) (int, error) {
	cats, err := e.counter.Categories(ctx)
	if err != nil {
		return 0, &StorageError{Op: "categories", Err: err}
	}
	total := 0
	for _, c := range cats {
		count, err := e.counter.FeatureCount(ctx, feature, c)
		if err != nil {
			return 0, &StorageError{Op: "feature count", Err: err}
		}
		total += count
	}
	return total, nil
}

// Shrink blends raw probability with the assumed one: (weight*assumed + totals*raw) / (weight+totals).
// With no observations it returns assumed, with many observations it approaches raw.
func Shrink(raw float64, totals int, weight, assumed float64) float64 {
	if weight+float64(totals) == 0 {
		return raw
	}
	return (weight*assumed + float64(totals)*raw) / (weight + float64(totals))
}
