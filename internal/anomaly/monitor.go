package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/obs"
)

// Config tunes the detectors. Zero values fall back to the defaults below.
type Config struct {
	// Window is the sliding audit window each scan inspects.
	Window time.Duration
	// BaselineWindow is the history used for the per-user hourly baseline.
	BaselineWindow time.Duration
	// FrequencyFactor is how far above baseline a user's hourly rate must
	// rise before UNUSUAL_ACCESS fires.
	FrequencyFactor float64
	// MinBaseline floors the hourly baseline so users with no history do
	// not trip the detector on their first day.
	MinBaseline float64
	// GeoCountries is the distinct-country count above which GEO_ANOMALY
	// fires.
	GeoCountries int
	// ViolationThreshold is the per-policy denied-attempt count above
	// which POLICY_VIOLATION fires.
	ViolationThreshold int
	// Interval is the scan period.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 7 * 24 * time.Hour
	}
	if c.FrequencyFactor <= 0 {
		c.FrequencyFactor = 3
	}
	if c.MinBaseline <= 0 {
		c.MinBaseline = 1
	}
	if c.GeoCountries <= 0 {
		c.GeoCountries = 2
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = 5
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	return c
}

// Monitor periodically scans recent audit records for unusual access
// frequency, geographic spread and repeated policy violations. Findings go
// through the alert manager, which deduplicates and fans out by severity.
type Monitor struct {
	reader audit.Reader
	alerts *alert.Manager
	cfg    Config
	now    func() time.Time
}

// Option configures Monitor behavior.
type Option func(*Monitor)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMonitor builds a monitor over the audit log.
func NewMonitor(reader audit.Reader, alerts *alert.Manager, cfg Config, opts ...Option) (*Monitor, error) {
	if reader == nil || alerts == nil {
		return nil, errors.New("anomaly: audit reader and alert manager are required")
	}
	m := &Monitor{reader: reader, alerts: alerts, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs Scan on the configured interval until ctx ends or the
// returned stop function is called.
func (m *Monitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Scan(ctx); err != nil {
					obs.LogEvent(map[string]any{
						"ts":    time.Now().UTC().Format(time.RFC3339Nano),
						"level": "error",
						"msg":   "anomaly scan failed",
						"error": err.Error(),
					})
				}
			}
		}
	}()
	return cancel
}

// Scan runs all detectors once over the current windows.
func (m *Monitor) Scan(ctx context.Context) error {
	now := m.now().UTC()
	baseline, err := m.reader.ListSince(ctx, now.Add(-m.cfg.BaselineWindow))
	if err != nil {
		return fmt.Errorf("anomaly: load baseline window: %w", err)
	}
	cutoff := now.Add(-m.cfg.Window)
	var window []*audit.Record
	for _, rec := range baseline {
		if !rec.Timestamp.Before(cutoff) {
			window = append(window, rec)
		}
	}

	m.detectFrequency(ctx, window, baseline)
	m.detectGeo(ctx, window)
	m.detectViolations(ctx, window)
	return nil
}

// detectFrequency compares each user's hourly rate in the window against
// their baseline-window average, scaled by the threshold factor.
func (m *Monitor) detectFrequency(ctx context.Context, window, baseline []*audit.Record) {
	windowCounts := make(map[string]int)
	for _, rec := range window {
		windowCounts[rec.UserID]++
	}
	baselineCounts := make(map[string]int)
	for _, rec := range baseline {
		baselineCounts[rec.UserID]++
	}

	windowHours := m.cfg.Window.Hours()
	baselineHours := m.cfg.BaselineWindow.Hours()
	for userID, count := range windowCounts {
		rate := float64(count) / windowHours
		base := float64(baselineCounts[userID]) / baselineHours
		if base < m.cfg.MinBaseline {
			base = m.cfg.MinBaseline
		}
		if rate > base*m.cfg.FrequencyFactor {
			_, _ = m.alerts.Raise(ctx, alert.TypeUnusualAccess, alert.SeverityMedium, userID, map[string]string{
				"observed_per_hour": strconv.FormatFloat(rate, 'f', 2, 64),
				"baseline_per_hour": strconv.FormatFloat(base, 'f', 2, 64),
			})
		}
	}
}

// detectGeo flags users whose window accesses span too many countries.
// Records without a country are ignored rather than counted as distinct.
func (m *Monitor) detectGeo(ctx context.Context, window []*audit.Record) {
	countries := make(map[string]map[string]struct{})
	for _, rec := range window {
		if rec.Country == "" {
			continue
		}
		set, ok := countries[rec.UserID]
		if !ok {
			set = make(map[string]struct{})
			countries[rec.UserID] = set
		}
		set[rec.Country] = struct{}{}
	}
	for userID, set := range countries {
		if len(set) > m.cfg.GeoCountries {
			_, _ = m.alerts.Raise(ctx, alert.TypeGeoAnomaly, alert.SeverityHigh, userID, map[string]string{
				"countries": strconv.Itoa(len(set)),
			})
		}
	}
}

// detectViolations clusters denied attempts per policy.
func (m *Monitor) detectViolations(ctx context.Context, window []*audit.Record) {
	denied := make(map[string]int)
	for _, rec := range window {
		if rec.Decision == audit.DecisionDenied && rec.PolicyID != "" {
			denied[rec.PolicyID]++
		}
	}
	for policyID, count := range denied {
		if count > m.cfg.ViolationThreshold {
			_, _ = m.alerts.Raise(ctx, alert.TypePolicyViolation, alert.SeverityHigh, policyID, map[string]string{
				"denied_attempts": strconv.Itoa(count),
			})
		}
	}
}
