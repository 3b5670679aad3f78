// Package correlate aligns slow, accurate remote detections with fast,
// rough local detections of the current frame.
//
// Remote results describe a frame that is older than the one on screen, so
// their rectangles lag behind moving subjects. Both sets are ordered left to
// right by horizontal center and paired by rank: the i-th remote region takes
// the rectangle of the i-th local region and keeps its own label and
// attributes.
package correlate

import (
	"sort"

	"livecam/internal/pipeline"
)

// UnmatchedPolicy decides what happens to remote regions with no local counterpart
type UnmatchedPolicy string

const (
	// UnmatchedKeep keeps the remote rectangle and marks the region Stale
	UnmatchedKeep UnmatchedPolicy = "keep"
	// UnmatchedDrop removes the region from the output
	UnmatchedDrop UnmatchedPolicy = "drop"
)

// Options configures Correlate
type Options struct {
	Unmatched UnmatchedPolicy `yaml:"unmatched"`
}

// Correlate returns a copy of remote where matched regions carry the local
// rectangle. Output preserves the order of remote. Neither input is modified.
func Correlate(remote, local []pipeline.DetectedRegion, opts Options) []pipeline.DetectedRegion {
	out := make([]pipeline.DetectedRegion, len(remote))
	copy(out, remote)
	if len(out) == 0 {
		return out
	}

	remoteRank := orderByCenter(remote)
	localRank := orderByCenter(local)

	matched := make([]bool, len(out))
	for i := 0; i < len(remoteRank) && i < len(localRank); i++ {
		r := remoteRank[i]
		out[r].Rect = local[localRank[i]].Rect
		out[r].Stale = false
		matched[r] = true
	}

	if opts.Unmatched == UnmatchedDrop {
		kept := out[:0]
		for i, region := range out {
			if matched[i] {
				kept = append(kept, region)
			}
		}
		return kept
	}

	for i := range out {
		if !matched[i] {
			out[i].Stale = true
		}
	}
	return out
}

// orderByCenter returns region indices sorted by horizontal center, ties in input order
func orderByCenter(regions []pipeline.DetectedRegion) []int {
	idx := make([]int, len(regions))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return regions[idx[a]].Rect.CenterX() < regions[idx[b]].Rect.CenterX()
	})
	return idx
}
