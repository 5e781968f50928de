package emergency

import (
	"context"
	"time"
)

// historyWindow is the trailing period of break-glass requests considered
// by the scorer.
const historyWindow = 30 * 24 * time.Hour

const (
	highHistoryThreshold   = 5
	mediumHistoryThreshold = 2
)

// Resource sensitivity classes. Types absent from the map score LOW.
var resourceSensitivity = map[string]RiskLevel{
	"MEDICAL_RECORD":       RiskHigh,
	"MEDICATION":           RiskHigh,
	"CONTROLLED_SUBSTANCE": RiskHigh,
	"RESIDENT_FINANCIALS":  RiskHigh,
	"CARE_PLAN":            RiskMedium,
	"INCIDENT_REPORT":      RiskMedium,
}

// Scorer computes the risk level of a break-glass request from the user's
// recent request frequency and the sensitivity of the target resource. The
// level drives both notification escalation and whether a mandatory
// post-access review is attached.
type Scorer struct {
	history AccessStore
	now     func() time.Time
}

// NewScorer builds a scorer over the grant history.
func NewScorer(history AccessStore, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{history: history, now: now}
}

// Score classifies the request. History lookup failures degrade to a
// zero count rather than failing the request; sensitivity alone can still
// raise the level.
func (s *Scorer) Score(ctx context.Context, userID, resourceType string) (RiskLevel, error) {
	since := s.now().Add(-historyWindow)
	count, err := s.history.CountRequestsSince(ctx, userID, since)
	if err != nil {
		count = 0
	}
	sensitivity := resourceSensitivity[resourceType]

	switch {
	case count > highHistoryThreshold || sensitivity == RiskHigh:
		return RiskHigh, err
	case count > mediumHistoryThreshold || sensitivity == RiskMedium:
		return RiskMedium, err
	default:
		return RiskLow, err
	}
}

// ReviewRequired reports whether a post-access review is mandatory.
func ReviewRequired(level RiskLevel) bool {
	return level != RiskLow
}
