package airquality

import "time"

// MergeResult is the merged historical log plus counts describing the merge.
type MergeResult struct {
	Log      []ObservationRecord
	Added    int
	Replaced int
	// Unkeyed counts batch rows skipped because their timestamp is invalid.
	Unkeyed int
}

// Merge unions existing and batch, deduplicating by (city, observed_at).
// A batch row replaces an existing row with the same key in place; new keys
// are appended in batch order. existing may be nil.
func Merge(existing, batch []ObservationRecord) []ObservationRecord {
	return MergeWithStats(existing, batch).Log
}

// MergeWithStats is Merge with counters for logging and metrics.
//
// Existing rows that cannot be keyed are carried over untouched. Batch rows
// that cannot be keyed are not merged at all.
func MergeWithStats(existing, batch []ObservationRecord) MergeResult {
	res := MergeResult{Log: make([]ObservationRecord, 0, len(existing)+len(batch))}
	index := make(map[string]int, len(existing)+len(batch))

	for _, r := range existing {
		k, ok := r.Key()
		if !ok {
			res.Log = append(res.Log, r)
			continue
		}
		if _, seen := index[k]; seen {
			continue
		}
		index[k] = len(res.Log)
		res.Log = append(res.Log, r)
	}

	historyLen := len(res.Log)
	for _, r := range batch {
		k, ok := r.Key()
		if !ok {
			res.Unkeyed++
			continue
		}
		if i, seen := index[k]; seen {
			if i < historyLen {
				res.Replaced++
			}
			res.Log[i] = r
			continue
		}
		index[k] = len(res.Log)
		res.Log = append(res.Log, r)
		res.Added++
	}

	return res
}

// PruneBefore drops keyed rows observed before cutoff. Rows without a valid
// timestamp are kept. A zero cutoff returns log unchanged.
func PruneBefore(log []ObservationRecord, cutoff time.Time) ([]ObservationRecord, int) {
	if cutoff.IsZero() {
		return log, 0
	}
	out := make([]ObservationRecord, 0, len(log))
	pruned := 0
	for _, r := range log {
		if r.ObservedAt.Valid && r.ObservedAt.Time.Before(cutoff) {
			pruned++
			continue
		}
		out = append(out, r)
	}
	return out, pruned
}
