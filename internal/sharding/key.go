package sharding

import (
	"fmt"
	"strings"
)

// KeyExtractor reduces a work-item id to its partition key.
// Items with equal keys are always co-located.
type KeyExtractor interface {
	ExtractKey(id string) string
}

// KeyFunc adapts a plain function to KeyExtractor.
type KeyFunc func(id string) string

func (f KeyFunc) ExtractKey(id string) string { return f(id) }

// Separator splits identifier path segments.
const Separator = "/"

// AccountKey groups by the first path segment ("acct/region/x" -> "acct").
var AccountKey KeyExtractor = KeyFunc(func(id string) string {
	return prefixSegments(id, 1)
})

// RegionKey groups by the first two path segments ("acct/region/x" -> "acct/region").
var RegionKey KeyExtractor = KeyFunc(func(id string) string {
	return prefixSegments(id, 2)
})

// IdentityKey spreads every item independently.
var IdentityKey KeyExtractor = KeyFunc(func(id string) string { return id })

func prefixSegments(id string, n int) string {
	if n <= 0 {
		return ""
	}
	idx := 0
	for i := 0; i < n; i++ {
		j := strings.Index(id[idx:], Separator)
		if j < 0 {
			return id
		}
		idx += j + len(Separator)
	}
	return id[:idx-len(Separator)]
}

// Namespace returns the first path segment of id.
func Namespace(id string) string { return prefixSegments(id, 1) }

// ExtractorByName resolves a configured key extractor.
func ExtractorByName(name string) (KeyExtractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "account":
		return AccountKey, nil
	case "region":
		return RegionKey, nil
	case "agent", "identity", "id":
		return IdentityKey, nil
	default:
		return nil, fmt.Errorf("sharding: unknown key extractor %q", name)
	}
}
