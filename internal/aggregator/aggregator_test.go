package aggregator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregate_EmptyInput(t *testing.T) {
	weights, weightsU16 := Aggregate(nil)
	require.Empty(t, weights)
	require.Empty(t, weightsU16)
}

func TestAggregate_OneMiner(t *testing.T) {
	weights, weightsU16 := Aggregate([]ScoredSubmission{
		{MinerUID: 42, FinalScore: 0.8},
		{MinerUID: 42, FinalScore: 0.6},
	})
	require.InDelta(t, 1.0, weights[42], 1e-9)
	require.Equal(t, uint16(65535), weightsU16[42])
}

func TestAggregate_ThreeEqualMiners(t *testing.T) {
	weights, weightsU16 := Aggregate([]ScoredSubmission{
		{MinerUID: 1, FinalScore: 0.5},
		{MinerUID: 2, FinalScore: 0.5},
		{MinerUID: 3, FinalScore: 0.5},
	})
	for _, uid := range []int64{1, 2, 3} {
		require.InDelta(t, 1.0/3.0, weights[uid], 1e-9)
	}
	var sum uint64
	for _, v := range weightsU16 {
		sum += uint64(v)
	}
	require.EqualValues(t, 65535, sum)
	// 65535 divides evenly by three, so no remainder unit is left to hand out
	require.Equal(t, uint16(21845), weightsU16[1])
	require.Equal(t, uint16(21845), weightsU16[2])
	require.Equal(t, uint16(21845), weightsU16[3])
}

func TestAggregate_SumsToOneAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var subs []ScoredSubmission
	for uid := int64(1); uid <= 11; uid++ {
		n := rng.Intn(5) + 1
		for i := 0; i < n; i++ {
			subs = append(subs, ScoredSubmission{MinerUID: uid, FinalScore: rng.Float64()})
		}
	}

	weights1, u16_1 := Aggregate(subs)
	weights2, u16_2 := Aggregate(subs)
	require.Equal(t, weights1, weights2)
	require.Equal(t, u16_1, u16_2)

	var total float64
	var totalU16 uint64
	for uid, w := range weights1 {
		total += w
		totalU16 += uint64(u16_1[uid])
	}
	require.True(t, math.Abs(total-1.0) < 1e-6)
	require.EqualValues(t, 65535, totalU16)
}
