package identity

import (
	"context"
	"errors"
	"math/rand"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
)

// ErrTRIDRangeExhausted is returned when the allocator gives up after the
// configured number of collisions. Expected retries grow without bound as
// the allocated fraction of the range approaches 100%, so the range must be
// sized well above the expected patient count; hitting this error means
// that capacity assumption has failed, not that the caller should retry.
var ErrTRIDRangeExhausted = errors.New("trid allocation: candidate range exhausted")

// tridInserter performs one atomic unique-constrained insert into the TRID
// cache table. It reports a constraint violation as errDuplicate.
type tridInserter interface {
	insertTRID(ctx context.Context, pid, trid int64) error
}

var errDuplicate = errors.New("duplicate key")

// isDuplicateErr recognises unique-violation errors from the storage layer.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique violation")
}

// allocateTRID draws uniform random candidates in [1, max] and attempts an
// atomic insert for each; existence is checked by inserting and asking the
// database, not by querying first, because concurrent workers may be doing
// the same thing at the same time. Attempts are capped.
func allocateTRID(ctx context.Context, ins tridInserter, pid, max int64, maxAttempts int, randInt func(int64) int64) (int64, error) {
	if randInt == nil {
		randInt = rand.Int63n
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := randInt(max) + 1
		err := ins.insertTRID(ctx, pid, candidate)
		if err == nil {
			return candidate, nil
		}
		if !isDuplicateErr(err) {
			return 0, err
		}
		logger.Log.WithField("attempt", attempt+1).Debug("TRID candidate collision, retrying")
	}
	return 0, ErrTRIDRangeExhausted
}
