package routing

import (
	"sort"
)

// candidate is one advertised route competing for a prefix.
type candidate struct {
	peerID string
	weight int
	path   []string
	auth   [32]byte
	props  []string
}

type byPreference []candidate

func (c byPreference) Len() int {
	return len(c)
}

func (c byPreference) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
}

func (c byPreference) Less(i, j int) bool {
	if len(c[i].path) != len(c[j].path) {
		return len(c[i].path) < len(c[j].path)
	}
	if c[i].weight != c[j].weight {
		return c[i].weight < c[j].weight
	}
	return c[i].peerID < c[j].peerID
}

// bestCandidate picks the preferred route: fewest hops, then lowest
// peer weight, then account id as the deterministic tie-break.
func bestCandidate(candidates []candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	sort.Sort(byPreference(candidates))
	return candidates[0], true
}
