package domain

import (
	"errors"
	"fmt"
	"time"
)

// Queue job names.
const (
	JobBackfill    = "wearables.backfill"
	JobSync        = "wearables.sync"
	JobDailyFanout = "wearables.daily-fanout"
)

// MaxBackfillDays bounds the depth a caller may request.
const MaxBackfillDays = 365

// BackfillPayload is the body of a JobBackfill job.
type BackfillPayload struct {
	UserID   string   `json:"userId"`
	Provider Provider `json:"provider"`
	DaysBack int      `json:"daysBack"`
}

// Validate rejects payloads that can never succeed.
func (p BackfillPayload) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if _, err := ParseProvider(string(p.Provider)); err != nil {
		return err
	}
	if p.DaysBack < 1 || p.DaysBack > MaxBackfillDays {
		return fmt.Errorf("daysBack must be between 1 and %d", MaxBackfillDays)
	}
	return nil
}

// SyncPayload is the body of a JobSync job. Empty dates mean "use the default window".
type SyncPayload struct {
	UserID    string   `json:"userId"`
	Provider  Provider `json:"provider"`
	StartDate string   `json:"startDate,omitempty"`
	EndDate   string   `json:"endDate,omitempty"`
}

// Validate rejects payloads that can never succeed. Supplied dates must parse; when both are
// supplied they must not be inverted. A single bound is only checked against the default window
// by ResolveWindow, which needs the clock.
func (p SyncPayload) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if _, err := ParseProvider(string(p.Provider)); err != nil {
		return err
	}
	if err := validDate("startDate", p.StartDate); err != nil {
		return err
	}
	if err := validDate("endDate", p.EndDate); err != nil {
		return err
	}
	if p.StartDate != "" && p.EndDate != "" {
		return Window{Start: p.StartDate, End: p.EndDate}.Validate()
	}
	return nil
}

// HasExplicitDates reports whether the caller supplied either bound.
func (p SyncPayload) HasExplicitDates() bool {
	return p.StartDate != "" || p.EndDate != ""
}

// ResolveWindow returns the window a SYNC job fetches at now. Omitted bounds come from
// DefaultSyncWindow, so a lone endDate before the trailing floor or a lone future startDate
// resolves to an inverted window.
func (p SyncPayload) ResolveWindow(now time.Time, trailingDays int) Window {
	w := DefaultSyncWindow(now, trailingDays)
	if p.StartDate != "" {
		w.Start = p.StartDate
	}
	if p.EndDate != "" {
		w.End = p.EndDate
	}
	return w
}

func validDate(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return fmt.Errorf("invalid %s %q", field, value)
	}
	return nil
}
