package lock

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Lock keys are exactly as granular as one submission's job handling. A
// coarser key would serialize unrelated submissions, a finer one would fail to
// prevent double processing.
const lockKeyPrefix = "Lock:SubmissionPipeline:"

var ErrNotHeld = errors.New("lock not held")

// PipelineLockFactory hands out cluster wide, auto expiring locks keyed by
// submission id. Acquisition is non blocking: reconciliation passes skip
// contended submissions and reconsider them next pass.
type PipelineLockFactory struct {
	db  redis.UniversalClient
	ttl time.Duration
}

func NewPipelineLockFactory(db redis.UniversalClient, ttl time.Duration) *PipelineLockFactory {
	return &PipelineLockFactory{db: db, ttl: ttl}
}

// TryLock attempts to take the lock for a submission without blocking. The
// second return value reports whether the lock was acquired.
func (f *PipelineLockFactory) TryLock(submissionId string) (*PipelineLock, bool, error) {
	holder := uuid.NewString()
	key := lockKeyPrefix + submissionId
	acquired, err := f.db.SetNX(key, holder, f.ttl).Result()
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &PipelineLock{db: f.db, key: key, holder: holder}, true, nil
}

type PipelineLock struct {
	db     redis.UniversalClient
	key    string
	holder string
}

// releaseScript deletes the key only if this holder still owns it, so a lock
// that auto expired and was re-acquired elsewhere is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

func (l *PipelineLock) Release() error {
	result, err := releaseScript.Run(l.db, []string{l.key}, l.holder).Int()
	if err != nil {
		return errors.WithStack(err)
	}
	if result == 0 {
		return fmt.Errorf("releasing %s: %w", l.key, ErrNotHeld)
	}
	return nil
}
