// Package rank turns raw index candidates into the ordered match results a
// caller sees: threshold filtering, per-image fusion, deterministic
// tie-breaking and rank assignment.
package rank

import (
	"sort"

	"github.com/facekit/facematch/model"
	"github.com/facekit/facematch/store"
)

// Rank resolves candidates against the snapshot and produces the final
// ordered results.
//
// Candidates strictly below the threshold are dropped. An image that
// matched through several faces collapses to one result carrying its best
// similarity. Results are sorted by descending similarity with ties broken
// by ascending image ID, so identical inputs always produce identical
// output regardless of candidate order. Ranks are assigned 1..N after
// filtering and sorting.
func Rank(snap *store.Snapshot, candidates []model.Candidate, threshold float32) []model.MatchResult {
	best := make(map[string]model.MatchResult)

	for _, c := range candidates {
		if c.Similarity < threshold {
			continue
		}
		rec, ok := snap.Record(c.ID)
		if !ok || rec.Tombstoned {
			// The index excludes tombstones already; a candidate from an
			// older snapshot is simply not a match anymore.
			continue
		}

		prev, seen := best[rec.ImageID]
		if !seen || c.Similarity > prev.Similarity {
			best[rec.ImageID] = model.MatchResult{
				ImageID:     rec.ImageID,
				OwnerUserID: rec.OwnerUserID,
				Similarity:  c.Similarity,
			}
		}
	}

	out := make([]model.MatchResult, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ImageID < out[j].ImageID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// MergeByImage fuses the ranked results of several query faces into one
// list, keeping the best similarity per image and re-ranking. Used when a
// scan detects more than one face.
func MergeByImage(lists ...[]model.MatchResult) []model.MatchResult {
	best := make(map[string]model.MatchResult)
	for _, list := range lists {
		for _, m := range list {
			if prev, ok := best[m.ImageID]; !ok || m.Similarity > prev.Similarity {
				best[m.ImageID] = m
			}
		}
	}

	out := make([]model.MatchResult, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ImageID < out[j].ImageID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// DetectAmbiguity inspects globally ranked results for identity discovery.
// If two or more distinct owners sit within epsilon of the top similarity,
// the identity is ambiguous and the candidate owners are returned, best
// first (ties by ascending user ID). A tie between owners is never broken
// silently; misattributing an identity is worse than asking for a rescan.
//
// A nil return means the top result's owner is unambiguous (or there are
// no results at all).
func DetectAmbiguity(results []model.MatchResult, epsilon float32) []string {
	if len(results) == 0 {
		return nil
	}

	top := results[0].Similarity
	bestPerUser := make(map[string]float32)
	for _, m := range results {
		if top-m.Similarity > epsilon {
			continue
		}
		if prev, ok := bestPerUser[m.OwnerUserID]; !ok || m.Similarity > prev {
			bestPerUser[m.OwnerUserID] = m.Similarity
		}
	}
	if len(bestPerUser) < 2 {
		return nil
	}

	users := make([]string, 0, len(bestPerUser))
	for u := range bestPerUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		si, sj := bestPerUser[users[i]], bestPerUser[users[j]]
		if si != sj {
			return si > sj
		}
		return users[i] < users[j]
	})
	return users
}
