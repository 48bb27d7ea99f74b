package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvertedWindow reports a window whose start follows its end.
var ErrInvertedWindow = errors.New("start date must not be after end date")

// Window is an inclusive calendar date range in DateLayout.
type Window struct {
	Start string
	End   string
}

// Validate checks both bounds parse and that start does not follow end.
func (w Window) Validate() error {
	start, err := time.Parse(DateLayout, w.Start)
	if err != nil {
		return fmt.Errorf("invalid start date %q", w.Start)
	}
	end, err := time.Parse(DateLayout, w.End)
	if err != nil {
		return fmt.Errorf("invalid end date %q", w.End)
	}
	if start.After(end) {
		return ErrInvertedWindow
	}
	return nil
}

// DefaultSyncWindow is the window used when a SYNC job carries no explicit dates: the trailing
// days up to today (UTC). The connection watermark never narrows it, so provider corrections that
// land inside the trailing days are always re-fetched.
func DefaultSyncWindow(now time.Time, trailingDays int) Window {
	if trailingDays < 1 {
		trailingDays = 1
	}
	today := truncateDay(now)
	start := today.AddDate(0, 0, -trailingDays)
	return Window{Start: start.Format(DateLayout), End: today.Format(DateLayout)}
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
