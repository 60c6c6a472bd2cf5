package ddos

import (
	"sort"
	"time"
)

// AttackerStat is one entry in the top-attackers ranking.
type AttackerStat struct {
	IP       string `json:"ip"`
	Requests int    `json:"requests"` // within the trailing 60s window
}

// Metrics is a tenant's traffic snapshot, polled by the dashboard API.
type Metrics struct {
	TenantID            string         `json:"tenant_id"`
	RequestsPerSecond   float64        `json:"requests_per_second"`
	UniqueIPs           int            `json:"unique_ips"`
	TopAttackers        []AttackerStat `json:"top_attackers"`
	VolumetricScore     float64        `json:"volumetric_score"`
	ProtocolAnomalies   int            `json:"protocol_anomalies"`
	ActiveConnections   int            `json:"active_connections"`
	DetectionConfidence float64        `json:"detection_confidence"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

const topAttackerCount = 10

// computeMetricsLocked rebuilds the snapshot from the live state. Both
// the opportunistic refresh on the request path and the on-demand
// metrics read go through here, so the two always agree on the same
// underlying state. Caller holds the tenant lock.
func (s *tenantState) computeMetricsLocked(tenantID string, now time.Time) Metrics {
	windowCutoff := now.Add(-window)
	secondCutoff := now.Add(-time.Second)

	perSecond := 0
	unique := 0
	counts := make([]AttackerStat, 0, len(s.history))
	for ip, times := range s.history {
		inWindow := 0
		for _, ts := range times {
			if ts.After(windowCutoff) {
				inWindow++
			}
			if ts.After(secondCutoff) {
				perSecond++
			}
		}
		if inWindow > 0 {
			unique++
			counts = append(counts, AttackerStat{IP: ip, Requests: inWindow})
		}
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Requests != counts[j].Requests {
			return counts[i].Requests > counts[j].Requests
		}
		return counts[i].IP < counts[j].IP
	})
	if len(counts) > topAttackerCount {
		counts = counts[:topAttackerCount]
	}

	vol := s.volumetricScoreLocked(float64(perSecond), unique)

	m := Metrics{
		TenantID:            tenantID,
		RequestsPerSecond:   float64(perSecond),
		UniqueIPs:           unique,
		TopAttackers:        counts,
		VolumetricScore:     vol,
		ProtocolAnomalies:   s.protocolAnomalies,
		ActiveConnections:   s.totalConns,
		DetectionConfidence: confidenceFor(vol),
		UpdatedAt:           now,
	}
	s.metrics = m
	s.metricsAt = now
	return m
}

// confidenceFor maps a volumetric score to a detection confidence:
// baseline 0.5 once anything registers, saturating toward 1.
func confidenceFor(vol float64) float64 {
	if vol <= 0 {
		return 0
	}
	c := 0.5 + vol/2
	if c > 1 {
		c = 1
	}
	return c
}
