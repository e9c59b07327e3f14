package streamstore

import (
	"context"
	"time"
)

// gapReaderConfig holds the tunables from spec.md §4.4.
type gapReaderConfig struct {
	gapReloadDelay time.Duration
	gapReloadTimes int
	sleep          func(context.Context, time.Duration)
}

func defaultGapReaderConfig() gapReaderConfig {
	return gapReaderConfig{
		gapReloadDelay: 5000 * time.Millisecond,
		gapReloadTimes: 1,
		sleep:          contextSleep,
	}
}

func contextSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// gapDetectingAllReader wraps a raw forward all-read with the retry-on-hole
// policy from spec.md §4.4: a transaction that reserved a global position
// may not have committed yet (or may roll back), which would otherwise
// surface as a permanent-looking hole that later fills in. Backward reads
// are never wrapped — gaps are only a hazard for forward delivery order.
type gapDetectingAllReader struct {
	driver Driver
	cfg    gapReaderConfig
}

func newGapDetectingAllReader(driver Driver) *gapDetectingAllReader {
	return &gapDetectingAllReader{driver: driver, cfg: defaultGapReaderConfig()}
}

// readForward performs one raw forward read, retrying up to
// cfg.gapReloadTimes times (sleeping cfg.gapReloadDelay between attempts) if
// the page contains a hole in the position sequence. If a gap survives every
// retry, the page is returned as-is: the gap is accepted as permanent (a
// rolled-back transaction), per spec.md §4.4 step 4.
func (r *gapDetectingAllReader) readForward(ctx context.Context, fromPosition Position, count int64) (AllReadResult, error) {
	result, err := r.driver.ReadAllMessages(ctx, fromPosition, count, Forward)
	if err != nil {
		return AllReadResult{}, err
	}

	if count == 0 || int64(len(result.Messages)) < count {
		return result, nil
	}

	if !hasGap(result.Messages) {
		return result, nil
	}

	for attempt := 0; attempt < r.cfg.gapReloadTimes; attempt++ {
		r.cfg.sleep(ctx, r.cfg.gapReloadDelay)
		if ctx.Err() != nil {
			return result, nil
		}

		reloaded, err := r.driver.ReadAllMessages(ctx, fromPosition, count, Forward)
		if err != nil {
			return AllReadResult{}, err
		}
		result = reloaded

		if int64(len(result.Messages)) < count || !hasGap(result.Messages) {
			return result, nil
		}
	}

	// Every retry still shows the gap at the same spot: accept it as
	// permanent and hand back what we have.
	return result, nil
}

// readBackward passes straight through; gap detection never applies here.
func (r *gapDetectingAllReader) readBackward(ctx context.Context, fromPosition Position, count int64) (AllReadResult, error) {
	return r.driver.ReadAllMessages(ctx, fromPosition, count, Backward)
}

func hasGap(messages []Message) bool {
	for i := 0; i+1 < len(messages); i++ {
		if gapBetween(messages[i].Position, messages[i+1].Position) {
			return true
		}
	}
	return false
}
