package discovery

import (
	"math"

	"github.com/bitline/trust-engine/src/config"
)

// LikeInput is one engagement as seen at settlement time, in like order.
// The settlement engine resolves tier weights, source weights and circle
// assignment from its snapshot before calling in here; everything in this
// package is pure math.
type LikeInput struct {
	Account      uint64
	TrustWeight  float64
	SourceWeight float64
	Circle       int
	Scout        float64
}

// Novelty diminishes the i-th like on an item (zero-based), rewarding
// early discovery over late pile-on. Monotone non-increasing with a
// configurable floor.
func Novelty(p config.DiscoveryParams, i int) float64 {
	v := 1.0 / (1.0 + p.NoveltyDecay*float64(i))
	if v < p.NoveltyFloor {
		return p.NoveltyFloor
	}
	return v
}

// EntropyFactor down-weights items whose likes concentrate in one circle.
// Likers are bucketed by circle; unclustered likers each count as their
// own bucket. The normalized Shannon entropy of the bucket distribution
// is mapped onto [floor, 1].
func EntropyFactor(p config.DiscoveryParams, likes []LikeInput) float64 {
	if len(likes) == 0 {
		return p.EntropyFloor
	}
	buckets := make(map[int]int)
	solo := -2
	for _, l := range likes {
		key := l.Circle
		if key < 0 {
			key = solo
			solo--
		}
		buckets[key]++
	}
	if len(buckets) <= 1 {
		return p.EntropyFloor
	}

	total := float64(len(likes))
	h := 0.0
	for _, n := range buckets {
		pr := float64(n) / total
		h -= pr * math.Log(pr)
	}
	hMax := math.Log(float64(len(buckets)))
	norm := h / hMax
	return p.EntropyFloor + (1.0-p.EntropyFloor)*norm
}

// ScoutMultiplier boosts items whose earliest likers have a track record
// of early discovery. Capped so scout history can help but not dominate.
func ScoutMultiplier(p config.DiscoveryParams, likes []LikeInput) float64 {
	k := p.ScoutLikers
	if k <= 0 || len(likes) == 0 {
		return 1.0
	}
	if k > len(likes) {
		k = len(likes)
	}
	sum := 0.0
	for i := 0; i < k; i++ {
		sum += likes[i].Scout
	}
	bonus := (sum / float64(k)) * p.ScoutGain
	if max := p.ScoutCap - 1.0; bonus > max {
		bonus = max
	}
	if bonus < 0 {
		bonus = 0
	}
	return 1.0 + bonus
}

// Score computes the discovery score for one item from its likes in
// arrival order.
func Score(p config.DiscoveryParams, likes []LikeInput) float64 {
	if len(likes) == 0 {
		return 0
	}
	base := 0.0
	for i, l := range likes {
		base += l.TrustWeight * Novelty(p, i) * l.SourceWeight
	}
	return base * EntropyFactor(p, likes) * ScoutMultiplier(p, likes)
}
