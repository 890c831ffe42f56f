package review

import (
	"sort"

	"github.com/c66w/business-cooperation-sub000/reviewer"
)

// PickReviewer returns the active reviewer with the fewest in-progress tasks
// among those below capacity. Ties go to the smallest reviewer id. The input
// order does not matter.
func PickReviewer(loads []reviewer.Load) (string, bool) {
	candidates := make([]reviewer.Load, 0, len(loads))
	for _, l := range loads {
		if l.HasCapacity() {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].InProgress != candidates[j].InProgress {
			return candidates[i].InProgress < candidates[j].InProgress
		}
		return candidates[i].ReviewerID < candidates[j].ReviewerID
	})
	return candidates[0].ReviewerID, true
}
