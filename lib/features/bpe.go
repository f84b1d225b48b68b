package features

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tokenizer "github.com/sandwich-go/gpt3-encoder"
)

// BPE extracts GPT-3 byte-pair-encoding tokens as "bpe:<id>" features.
// The text is lower-cased before encoding, so "Money" and "money" give the same features.
type BPE struct {
	once    sync.Once
	lock    sync.Mutex
	encoder *tokenizer.Encoder
	initErr error
}

// Features returns sorted unique token features of the item
func (b *BPE) Features(item string) ([]string, error) {
	b.once.Do(func() {
		b.encoder, b.initErr = tokenizer.NewEncoder()
	})
	if b.initErr != nil {
		return nil, fmt.Errorf("can't make bpe encoder: %w", b.initErr)
	}

	b.lock.Lock()
	tokens, err := b.encoder.Encode(strings.ToLower(item))
	b.lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("can't encode %q: %w", item, err)
	}
	uniq := map[string]struct{}{}
	for _, t := range tokens {
		uniq["bpe:"+strconv.Itoa(t)] = struct{}{}
	}
	return sortedKeys(uniq), nil
}
