package schedule

import (
	"context"
	"log"
	"time"
)

// Source lists a channel's episodes. *Schedule implements it.
type Source interface {
	Episodes(ctx context.Context, channel string) ([]Episode, error)
}

// Tracker follows the airing episode of one channel and reports every
// change of episode to OnChange.
type Tracker struct {
	Source  Source
	Channel string
	// Poll is the wait after a failed or empty lookup (default 15s).
	Poll time.Duration
	// MaxWait caps the sleep until the current episode ends (default 1m).
	MaxWait  time.Duration
	OnChange func(Episode)
	Now      func() time.Time
}

// Run polls until ctx is done. Every wait is interruptible.
func (t *Tracker) Run(ctx context.Context) error {
	poll := t.Poll
	if poll <= 0 {
		poll = 15 * time.Second
	}
	maxWait := t.MaxWait
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	now := t.Now
	if now == nil {
		now = time.Now
	}
	var last Episode
	for {
		wait := poll
		eps, err := t.Source.Episodes(ctx, t.Channel)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("schedule: channel=%s episodes: %v", t.Channel, err)
		default:
			cur, ok := Current(eps, now())
			if !ok || !cur.Known() {
				log.Printf("schedule: channel=%s waiting for episode list", t.Channel)
				break
			}
			if cur.Start != last.Start || cur.LongTitle != last.LongTitle {
				last = cur
				if t.OnChange != nil {
					t.OnChange(cur)
				}
			}
			wait = cur.End.Sub(now())
			if wait > maxWait {
				wait = maxWait
			}
			if wait <= 0 {
				wait = poll
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
