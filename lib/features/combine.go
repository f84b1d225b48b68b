package features

import "fmt"

// Extractor is the interface implemented by all extractors of this package
type Extractor interface {
	Features(item string) ([]string, error)
}

// Combined is a union of several extractors
type Combined []Extractor

// Combine makes an extractor returning the union of features of all given extractors
func Combine(extractors ...Extractor) Combined {
	return Combined(extractors)
}

// Features returns sorted unique features from all extractors, fails on the first failed extractor
func (c Combined) Features(item string) ([]string, error) {
	uniq := map[string]struct{}{}
	for i, e := range c {
		ff, err := e.Features(item)
		if err != nil {
			return nil, fmt.Errorf("extractor %d (%T): %w", i, e, err)
		}
		for _, f := range ff {
			uniq[f] = struct{}{}
		}
	}
	return sortedKeys(uniq), nil
}
