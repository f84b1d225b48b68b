// Package policy loads per-category decision policy (naive bayes thresholds and fisher minimums) from a json file,
// applies it to classifiers and reloads it on file changes.
package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/umputun/classy/lib/classy"
)

// Policy is a set of per-category confidence requirements
type Policy struct {
	Thresholds map[string]float64 `json:"thresholds,omitempty"` // naive bayes threshold factors
	Minimums   map[string]float64 `json:"minimums,omitempty"`   // fisher minimal scores
}

// ThresholdSetter is a classifier with per-category thresholds, i.e. classy.NaiveBayes
type ThresholdSetter interface {
	SetThreshold(category string, t float64)
	ClearThreshold(category string)
	Thresholds() map[string]float64
}

// MinimumSetter is a classifier with per-category minimums, i.e. classy.Fisher
type MinimumSetter interface {
	SetMinimum(category string, v float64)
	ClearMinimum(category string)
	Minimums() map[string]float64
}

// Load reads policy json from the reader and validates it
func Load(r io.Reader) (*Policy, error) {
	res := &Policy{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(res); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// LoadFile reads policy from the file
func LoadFile(path string) (*Policy, error) {
	fh, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file %s: %w", path, err)
	}
	defer fh.Close()
	return Load(fh)
}

// Validate checks all values and reports all problems at once
func (p *Policy) Validate() error {
	errs := new(multierror.Error)
	check := func(kind string, values map[string]float64) {
		for _, cat := range sortedKeys(values) {
			v := values[cat]
			switch {
			case cat == "":
				errs = multierror.Append(errs, fmt.Errorf("%s: empty category", kind))
			case math.IsNaN(v) || math.IsInf(v, 0):
				errs = multierror.Append(errs, fmt.Errorf("%s: invalid value for %q", kind, cat))
			case v < 0:
				errs = multierror.Append(errs, fmt.Errorf("%s: negative value %v for %q", kind, v, cat))
			}
		}
	}
	check("thresholds", p.Thresholds)
	check("minimums", p.Minimums)
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// Save writes policy as indented json
func (p *Policy) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	return nil
}

// Apply sets policy values on the classifier. Values set before but missing in the policy are cleared,
// so defaults apply to them. Classifiers without thresholds or minimums are ignored.
func (p *Policy) Apply(clf classy.Classifier) {
	if ts, ok := clf.(ThresholdSetter); ok {
		for cat := range ts.Thresholds() {
			if _, found := p.Thresholds[cat]; !found {
				ts.ClearThreshold(cat)
			}
		}
		for cat, v := range p.Thresholds {
			ts.SetThreshold(cat, v)
		}
	}
	if ms, ok := clf.(MinimumSetter); ok {
		for cat := range ms.Minimums() {
			if _, found := p.Minimums[cat]; !found {
				ms.ClearMinimum(cat)
			}
		}
		for cat, v := range p.Minimums {
			ms.SetMinimum(cat, v)
		}
	}
}

// Current returns the policy in effect for the classifier
func Current(clf classy.Classifier) *Policy {
	res := &Policy{}
	if ts, ok := clf.(ThresholdSetter); ok {
		res.Thresholds = ts.Thresholds()
	}
	if ms, ok := clf.(MinimumSetter); ok {
		res.Minimums = ms.Minimums()
	}
	return res
}

func sortedKeys(m map[string]float64) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
