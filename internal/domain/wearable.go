// Package domain defines the wearable sync model shared by the queue workers, webhooks and API.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format exchanged with provider adapters.
const DateLayout = "2006-01-02"

var (
	// ErrUnsupportedProvider is returned for provider names outside the supported set.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrConnectionNotFound is returned when no connection exists for a user/provider pair.
	ErrConnectionNotFound = errors.New("wearable connection not found")
)

// Provider names a wearable data provider.
type Provider string

const (
	ProviderGarmin Provider = "garmin"
	ProviderFitbit Provider = "fitbit"
)

// SupportedProviders lists every provider the service can sync.
var SupportedProviders = []Provider{ProviderGarmin, ProviderFitbit}

// ParseProvider validates a provider name taken from a URL or payload.
func ParseProvider(value string) (Provider, error) {
	candidate := Provider(strings.ToLower(strings.TrimSpace(value)))
	for _, p := range SupportedProviders {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, value)
}

// ConnectionStatus is the lifecycle state of a user/provider pairing.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "active"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection links an internal user to a provider account. At most one exists per (user, provider).
type Connection struct {
	ID             string
	UserID         string
	Provider       Provider
	ProviderUserID string
	Status         ConnectionStatus
	LastSyncedAt   *time.Time
	LastError      *string
	LastErrorAt    *time.Time
	ConnectedAt    time.Time
	UpdatedAt      time.Time
}

// Healthy reports whether the last sync attempt for the connection succeeded.
func (c Connection) Healthy() bool {
	return c.Status == ConnectionActive && c.LastError == nil
}

// Activity is a provider-agnostic workout record, unique per (user, provider, external id).
type Activity struct {
	ExternalID       string          `json:"id"`
	Type             string          `json:"type"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          time.Time       `json:"endTime"`
	DurationSeconds  int             `json:"durationSeconds"`
	Calories         *float64        `json:"calories,omitempty"`
	DistanceMeters   *float64        `json:"distanceMeters,omitempty"`
	Steps            *int            `json:"steps,omitempty"`
	AverageHeartRate *int            `json:"averageHeartRate,omitempty"`
	MaxHeartRate     *int            `json:"maxHeartRate,omitempty"`
	Source           string          `json:"source,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// ObservedDate is the calendar day the activity started on.
func (a Activity) ObservedDate() string {
	return a.StartTime.UTC().Format(DateLayout)
}

// Sleep is a provider-agnostic sleep session, unique per (user, provider, external id).
type Sleep struct {
	ExternalID        string          `json:"id"`
	Date              string          `json:"date"`
	StartTime         time.Time       `json:"startTime"`
	EndTime           time.Time       `json:"endTime"`
	DurationSeconds   int             `json:"durationSeconds"`
	DeepSleepSeconds  *int            `json:"deepSleepSeconds,omitempty"`
	LightSleepSeconds *int            `json:"lightSleepSeconds,omitempty"`
	RemSleepSeconds   *int            `json:"remSleepSeconds,omitempty"`
	AwakeSeconds      *int            `json:"awakeSeconds,omitempty"`
	SleepScore        *int            `json:"sleepScore,omitempty"`
	Stages            json.RawMessage `json:"stages,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Daily is a per-day summary, unique per (user, provider, date).
type Daily struct {
	ExternalID       string          `json:"id"`
	Date             string          `json:"date"`
	Steps            *int            `json:"steps,omitempty"`
	Calories         *float64        `json:"calories,omitempty"`
	DistanceMeters   *float64        `json:"distanceMeters,omitempty"`
	ActiveMinutes    *int            `json:"activeMinutes,omitempty"`
	RestingHeartRate *int            `json:"restingHeartRate,omitempty"`
	AverageHeartRate *int            `json:"averageHeartRate,omitempty"`
	MaxHeartRate     *int            `json:"maxHeartRate,omitempty"`
	StressLevel      *int            `json:"stressLevel,omitempty"`
	FloorsClimbed    *int            `json:"floorsClimbed,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// Snapshot is one fetched batch of records for a single user and provider.
type Snapshot struct {
	UserID     string
	Provider   Provider
	Activities []Activity `json:"activities"`
	Sleep      []Sleep    `json:"sleep"`
	Dailies    []Daily    `json:"dailies"`
}

// Size returns the total number of records in the snapshot.
func (s Snapshot) Size() int {
	return len(s.Activities) + len(s.Sleep) + len(s.Dailies)
}
