package domain

// DataSummary aggregates a user's stored records from Since through Until (inclusive dates).
type DataSummary struct {
	Since      string         `json:"since"`
	Until      string         `json:"until"`
	Activities ActivityTotals `json:"activities"`
	Sleep      SleepAverages  `json:"sleep"`
	Daily      DailyAverages  `json:"daily"`
}

// ActivityTotals sums activities in the period. Averages are nil when no record carries the field.
type ActivityTotals struct {
	Count            int      `json:"count"`
	DurationSeconds  int64    `json:"durationSeconds"`
	Calories         float64  `json:"calories"`
	DistanceMeters   float64  `json:"distanceMeters"`
	Steps            int64    `json:"steps"`
	AverageHeartRate *float64 `json:"averageHeartRate,omitempty"`
}

type SleepAverages struct {
	Nights              int      `json:"nights"`
	AvgDurationSeconds  *float64 `json:"avgDurationSeconds,omitempty"`
	AvgDeepSleepSeconds *float64 `json:"avgDeepSleepSeconds,omitempty"`
	AvgRemSleepSeconds  *float64 `json:"avgRemSleepSeconds,omitempty"`
	AvgSleepScore       *float64 `json:"avgSleepScore,omitempty"`
}

type DailyAverages struct {
	Days                int      `json:"days"`
	TotalSteps          int64    `json:"totalSteps"`
	AvgSteps            *float64 `json:"avgSteps,omitempty"`
	AvgCalories         *float64 `json:"avgCalories,omitempty"`
	AvgActiveMinutes    *float64 `json:"avgActiveMinutes,omitempty"`
	AvgRestingHeartRate *float64 `json:"avgRestingHeartRate,omitempty"`
	AvgStressLevel      *float64 `json:"avgStressLevel,omitempty"`
}
