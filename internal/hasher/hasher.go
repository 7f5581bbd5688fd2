// Package hasher implements the deterministic assignment engine: given
// an experiment's seed, a user ID, the process-wide hash seed, and a bucket
// space, it always picks the same variant for the same inputs: hash
// "{userID}:{seed}:{hashSeed}" with unsigned MurmurHash3, reduce mod
// bucketSize, then walk variants in order accumulating allocation percentage
// until the bucket falls under the cumulative threshold.
package hasher

import (
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/exp-platform/core/domain"
)

// Hasher buckets users into experiment variants.
type Hasher struct {
	// BucketSize is the number of discrete buckets a hash value is reduced
	// into before being mapped to a cumulative-allocation threshold.
	BucketSize uint32
	// Seed is the process-wide hash seed mixed into every bucket
	// computation alongside each experiment's own seed.
	Seed string
}

// New returns a Hasher with the given bucket size (spec default: 10000) and
// process-wide hash seed.
func New(bucketSize int, seed string) Hasher {
	return Hasher{BucketSize: uint32(bucketSize), Seed: seed}
}

// Bucket returns the deterministic bucket in [0, BucketSize) for
// (userID, experimentSeed, h.Seed).
func (h Hasher) Bucket(userID, experimentSeed string) uint32 {
	input := userID + ":" + experimentSeed + ":" + h.Seed
	hash := murmur3.Sum32WithSeed([]byte(input), 0)
	return hash % h.BucketSize
}

// AssignVariant deterministically selects one of variants for userID against
// experiment (same experiment+user+seed always yields the
// same variant, regardless of call order or process restart). variants must
// be sorted by ID ascending by the caller so the cumulative walk is stable.
func (h Hasher) AssignVariant(experiment *domain.Experiment, userID string, variants []domain.Variant) (domain.Variant, error) {
	if len(variants) == 0 {
		return domain.Variant{}, fmt.Errorf("hasher: experiment %d has no variants", experiment.ID)
	}

	bucket := h.Bucket(userID, experiment.Seed)

	var cumulative float64
	for _, v := range variants {
		cumulative += v.AllocationPct
		threshold := (cumulative / 100.0) * float64(h.BucketSize)
		if float64(bucket) < threshold {
			return v, nil
		}
	}

	// Allocation percentages that don't sum to 100 (rounding, misconfiguration)
	// fall through here; the last variant in allocation order absorbs the
	// remainder rather than leaving the user unassigned.
	return variants[len(variants)-1], nil
}
