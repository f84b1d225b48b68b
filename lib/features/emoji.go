package features

import (
	"github.com/forPelevin/gomoji"
)

// Emoji extracts emoji found in the item as "emoji:<slug>" features
type Emoji struct{}

// Features returns sorted unique emoji features of the item
func (Emoji) Features(item string) ([]string, error) {
	uniq := map[string]struct{}{}
	for _, e := range gomoji.CollectAll(item) {
		name := e.Slug
		if name == "" {
			name = e.Character
		}
		uniq["emoji:"+name] = struct{}{}
	}
	return sortedKeys(uniq), nil
}
