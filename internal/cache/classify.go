package cache

import (
	"strings"

	"github.com/ChuLiYu/railhub/pkg/types"
)

// Classifier picks a caching strategy from a request URL.
//
// Network-first patterns are checked before cache-first patterns, and the
// first match wins; everything else is stale-while-revalidate. Matching is
// plain substring containment on the full URL.
type Classifier struct {
	NetworkFirst []string
	CacheFirst   []string
}

func (c Classifier) Classify(url string) types.Strategy {
	for _, p := range c.NetworkFirst {
		if p != "" && strings.Contains(url, p) {
			return types.NetworkFirst
		}
	}
	for _, p := range c.CacheFirst {
		if p != "" && strings.Contains(url, p) {
			return types.CacheFirst
		}
	}
	return types.StaleWhileRevalidate
}
