package source

import (
	"context"
	"time"

	"github.com/zsiec/kvsaudio/internal/media"
)

// Pace forwards frames from in to out at the rate their timestamps
// describe, measured from the first frame. It closes out when in is closed
// or ctx is done.
func Pace(ctx context.Context, in <-chan *media.AudioFrame, out chan<- *media.AudioFrame) error {
	defer close(out)

	var start time.Time
	var first int64
	for {
		var f *media.AudioFrame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-in:
			if !ok {
				return nil
			}
			f = v
		}

		if start.IsZero() {
			start, first = time.Now(), f.PTS
		} else if err := sleepUntil(ctx, start.Add(time.Duration(f.PTS-first)*media.TimeUnit)); err != nil {
			return err
		}

		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
