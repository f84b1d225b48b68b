// Package features provides extractors turning an item (text) into a set of unique features.
// All extractors implement classy.Extractor and can be combined with Combine.
package features

import (
	"bufio"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// default word length limits, inclusive
const (
	DefaultMinLen = 3
	DefaultMaxLen = 19
)

var nonLetters = regexp.MustCompile(`[^\p{L}]+`)

// Words extracts lower-cased words, splitting the text on runs of non-letter characters.
// Words shorter than MinLen or longer than MaxLen runes are skipped, as well as excluded words.
type Words struct {
	MinLen int
	MaxLen int

	lock     sync.RWMutex
	excluded map[string]struct{}
}

// NewWords makes Words extractor with default length limits
func NewWords() *Words {
	return &Words{MinLen: DefaultMinLen, MaxLen: DefaultMaxLen, excluded: map[string]struct{}{}}
}

// LoadExcluded reads excluded words from the reader, one per line, and replaces the current list.
// Returns the number of loaded words.
func (w *Words) LoadExcluded(r io.Reader) (int, error) {
	excluded := map[string]struct{}{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		token := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if token == "" {
			continue
		}
		excluded[token] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	w.lock.Lock()
	w.excluded = excluded
	w.lock.Unlock()
	return len(excluded), nil
}

// Features returns sorted unique words of the item
func (w *Words) Features(item string) ([]string, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	uniq := map[string]struct{}{}
	for _, token := range nonLetters.Split(item, -1) {
		l := utf8.RuneCountInString(token)
		if l == 0 || l < w.MinLen || (w.MaxLen > 0 && l > w.MaxLen) {
			continue
		}
		token = strings.ToLower(token)
		if _, ok := w.excluded[token]; ok {
			continue
		}
		uniq[token] = struct{}{}
	}
	return sortedKeys(uniq), nil
}

func sortedKeys(m map[string]struct{}) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
