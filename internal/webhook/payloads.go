package webhook

import (
	"encoding/json"
	"strings"
)

type garminRef struct {
	UserID string `json:"userId"`
}

// GarminNotification is a Garmin push batch. Each section lists the users with new data of
// that type; only the user ids are relied upon.
type GarminNotification struct {
	Activities      []garminRef `json:"activities"`
	ActivityDetails []garminRef `json:"activityDetails"`
	Dailies         []garminRef `json:"dailies"`
	Epochs          []garminRef `json:"epochs"`
	Sleeps          []garminRef `json:"sleeps"`
	BodyComps       []garminRef `json:"bodyComps"`
	StressDetails   []garminRef `json:"stressDetails"`
	UserMetrics     []garminRef `json:"userMetrics"`
	MoveIQ          []garminRef `json:"moveIQ"`
	PulseOx         []garminRef `json:"pulseOx"`
	Respiration     []garminRef `json:"respiration"`
	HRV             []garminRef `json:"hrv"`
}

// ProviderUserIDs returns the distinct user ids referenced by any section, in first-seen order.
func (n GarminNotification) ProviderUserIDs() []string {
	sections := [][]garminRef{
		n.Activities, n.ActivityDetails, n.Dailies, n.Epochs, n.Sleeps, n.BodyComps,
		n.StressDetails, n.UserMetrics, n.MoveIQ, n.PulseOx, n.Respiration, n.HRV,
	}
	ids := newIDSet()
	for _, section := range sections {
		for _, ref := range section {
			ids.add(ref.UserID)
		}
	}
	return ids.list()
}

// FitbitNotification is one entry of a Fitbit subscription callback.
type FitbitNotification struct {
	CollectionType string `json:"collectionType"`
	Date           string `json:"date"`
	OwnerID        string `json:"ownerId"`
	OwnerType      string `json:"ownerType"`
	SubscriptionID string `json:"subscriptionId"`
}

// FitbitOwnerIDs returns the distinct owner ids of a callback, in first-seen order.
func FitbitOwnerIDs(notifications []FitbitNotification) []string {
	ids := newIDSet()
	for _, n := range notifications {
		ids.add(n.OwnerID)
	}
	return ids.list()
}

// DecodeGarmin parses a Garmin body. Empty or malformed bodies yield no user ids.
func DecodeGarmin(body []byte) ([]string, error) {
	var n GarminNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, err
	}
	return n.ProviderUserIDs(), nil
}

// DecodeFitbit parses a Fitbit body, which must be a JSON array.
func DecodeFitbit(body []byte) ([]string, error) {
	var notifications []FitbitNotification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, err
	}
	return FitbitOwnerIDs(notifications), nil
}

type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{})}
}

func (s *idSet) add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet) list() []string {
	return s.order
}
