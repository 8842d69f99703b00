// Package aggregator folds per-submission final scores into per-miner
// weights. It is a pure function deliberately isolated from the Store so it
// can be unit tested without any I/O and re-weighted later without touching
// the evaluation pipeline.
package aggregator

import (
	"sort"

	"github.com/threetau/kibotos/internal/domain"
)

// ScoredSubmission is the minimal input the aggregator needs.
type ScoredSubmission struct {
	MinerUID   int64
	FinalScore float64
}

const u16Max = 65535

// Aggregate computes weights and weights_u16 from the SCORED submissions of
// one cycle. REJECTED submissions must not appear in the input. Deterministic:
// identical input produces identical output.
func Aggregate(submissions []ScoredSubmission) (weights map[int64]float64, weightsU16 map[int64]uint16) {
	totals := make(map[int64]float64)
	for _, s := range submissions {
		totals[s.MinerUID] += s.FinalScore
	}

	var grandTotal float64
	for _, v := range totals {
		grandTotal += v
	}

	weights = make(map[int64]float64, len(totals))
	weightsU16 = make(map[int64]uint16, len(totals))
	if grandTotal == 0 || len(totals) == 0 {
		return weights, weightsU16
	}

	for uid, total := range totals {
		weights[uid] = total / grandTotal
	}

	weightsU16 = largestRemainderU16(weights)
	return weights, weightsU16
}

// largestRemainderU16 projects a weight map summing to ~1 onto uint16 values
// summing to exactly u16Max, using the largest-remainder method so rounding
// drift is corrected deterministically.
func largestRemainderU16(weights map[int64]float64) map[int64]uint16 {
	type entry struct {
		uid       int64
		floor     uint64
		remainder float64
	}

	uids := make([]int64, 0, len(weights))
	for uid := range weights {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	entries := make([]entry, 0, len(uids))
	var floorSum uint64
	for _, uid := range uids {
		scaled := weights[uid] * u16Max
		floor := uint64(scaled)
		entries = append(entries, entry{uid: uid, floor: floor, remainder: scaled - float64(floor)})
		floorSum += floor
	}

	remaining := uint64(u16Max) - floorSum
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].remainder != entries[j].remainder {
			return entries[i].remainder > entries[j].remainder
		}
		return entries[i].uid < entries[j].uid
	})

	out := make(map[int64]uint16, len(entries))
	for i, e := range entries {
		v := e.floor
		if uint64(i) < remaining {
			v++
		}
		out[e.uid] = uint16(v)
	}
	return out
}

// ToCycleWeights assembles a domain.CycleWeights for storage.
func ToCycleWeights(cycleID int64, weights map[int64]float64, weightsU16 map[int64]uint16) domain.CycleWeights {
	return domain.CycleWeights{
		CycleID:    cycleID,
		Weights:    weights,
		WeightsU16: weightsU16,
	}
}
