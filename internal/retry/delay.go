package retry

import (
	"math"
	"math/rand"
	"time"

	retry "github.com/avast/retry-go"
)

// CappedExponentialBackoffArgs configures CappedExponentialBackoff. All
// fields are optional.
type CappedExponentialBackoffArgs struct {
	// InitialDelay is the first retry's delay; <=0 falls back to
	// retry.DefaultDelay, then to 1ns.
	InitialDelay time.Duration

	// MaxDelay caps InitialDelay<<n. Jitter is added on top, so the true
	// maximum is MaxDelay+MaxJitter.
	MaxDelay time.Duration

	// MaxJitter is the upper bound of the random jitter added to every
	// delay; <=0 disables jitter.
	MaxJitter time.Duration
}

// CappedExponentialBackoff doubles the delay on each attempt, capping the
// shift exponent so the computation never overflows int64 regardless of how
// many attempts the caller configures.
func CappedExponentialBackoff(args CappedExponentialBackoffArgs) retry.Option {
	return retry.DelayType(cappedExponentialBackoffFunc(args))
}

func cappedExponentialBackoffFunc(args CappedExponentialBackoffArgs) retry.DelayTypeFunc {
	base := args.InitialDelay
	if base <= 0 {
		base = retry.DefaultDelay
	}
	if base <= 0 {
		base = 1
	}

	// 1<<63 overflows signed int64, hence 62.
	maxExponent := uint(62 - int(math.Floor(math.Log2(float64(base)))))

	return func(n uint, _ error, _ *retry.Config) time.Duration {
		if n > maxExponent {
			n = maxExponent
		}
		delay := uint64(base) << n
		if args.MaxDelay > 0 && delay > uint64(args.MaxDelay) {
			delay = uint64(args.MaxDelay)
		}
		if args.MaxJitter > 0 {
			delay += uint64(rand.Int63n(int64(args.MaxJitter)))
		}
		if delay > uint64(math.MaxInt64) {
			delay = uint64(math.MaxInt64)
		}
		return time.Duration(delay)
	}
}
