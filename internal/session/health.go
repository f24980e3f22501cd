// ABOUTME: Health evaluation for individual sessions and the whole registry
// ABOUTME: A session is healthy in ready, authenticated or qr_pending unless it has gone stale

package session

import "time"

// OverallHealthyRatio is the share of healthy sessions needed for the registry to be healthy.
const OverallHealthyRatio = 0.8

// HealthReport describes one session's health. Unknown ids produce a
// report with Status StatusNotFound.
type HealthReport struct {
	ID                   string     `json:"id"`
	Status               Status     `json:"status"`
	ClientState          string     `json:"clientState,omitempty"`
	Ready                bool       `json:"ready"`
	Healthy              bool       `json:"healthy"`
	UptimeSeconds        int64      `json:"uptime"`
	SecondsSinceActivity int64      `json:"timeSinceLastActivity"`
	Stale                bool       `json:"stale"`
	Error                string     `json:"error,omitempty"`
	CreatedAt            *time.Time `json:"createdAt,omitempty"`
	LastActivity         *time.Time `json:"lastActivity,omitempty"`
}

// HealthSummary counts sessions by health.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Ready     int `json:"ready"`
	Stale     int `json:"stale"`
	Unhealthy int `json:"unhealthy"`
}

// AggregateHealth is the health of every registered session.
type AggregateHealth struct {
	Summary        HealthSummary  `json:"summary"`
	Sessions       []HealthReport `json:"sessions"`
	Timestamp      time.Time      `json:"timestamp"`
	OverallHealthy bool           `json:"overallHealth"`
}

// Health reports on one session.
func (r *Registry) Health(rawID string) HealthReport {
	id, rec := r.lookup(rawID)
	if rec == nil {
		return HealthReport{ID: id, Status: StatusNotFound}
	}
	return r.evaluate(rec.info(r.now()), r.now())
}

// HealthAll reports on every session.
func (r *Registry) HealthAll() AggregateHealth {
	now := r.now()
	infos := r.List()

	agg := AggregateHealth{
		Sessions:  make([]HealthReport, 0, len(infos)),
		Timestamp: now,
	}
	for _, info := range infos {
		rep := r.evaluate(info, now)
		agg.Sessions = append(agg.Sessions, rep)
		if rep.Healthy {
			agg.Summary.Healthy++
		}
		if rep.Ready {
			agg.Summary.Ready++
		}
		if rep.Stale {
			agg.Summary.Stale++
		}
	}
	agg.Summary.Total = len(infos)
	agg.Summary.Unhealthy = agg.Summary.Total - agg.Summary.Healthy
	agg.OverallHealthy = overallHealthy(agg.Summary.Healthy, agg.Summary.Total)
	return agg
}

func (r *Registry) evaluate(info Info, now time.Time) HealthReport {
	idle := now.Sub(info.LastActivity)
	stale := idle > r.staleAfter
	created, last := info.CreatedAt, info.LastActivity
	return HealthReport{
		ID:                   info.ID,
		Status:               info.Status,
		ClientState:          info.ClientState,
		Ready:                info.Ready,
		Healthy:              healthyStatus(info.Status) && !stale,
		UptimeSeconds:        int64(now.Sub(info.CreatedAt) / time.Second),
		SecondsSinceActivity: int64(idle / time.Second),
		Stale:                stale,
		Error:                info.Error,
		CreatedAt:            &created,
		LastActivity:         &last,
	}
}

func healthyStatus(s Status) bool {
	switch s {
	case StatusReady, StatusAuthenticated, StatusQRPending:
		return true
	default:
		return false
	}
}

func overallHealthy(healthy, total int) bool {
	if total == 0 {
		return true
	}
	return float64(healthy)/float64(total) >= OverallHealthyRatio
}
