package monitor

import (
	"math"
	"time"

	"mosaic-ai/internal/domain"
)

// minTrendPoints is the fewest points a regression is fitted to.
const minTrendPoints = 3

// stableChange is the largest change across the window, relative to the
// mean, that still reads as stable.
const stableChange = 0.05

// lowerIsBetter lists metrics where a falling value is an improvement.
var lowerIsBetter = map[string]bool{
	domain.MetricResponseTime: true,
	domain.MetricErrorRate:    true,
	domain.MetricCPU:          true,
	domain.MetricMemory:       true,
}

type point struct {
	x float64 // hours since the first point
	y float64
}

// series extracts metric values from records. Satisfaction skips unrated
// records; success and error rates are per-record 0/1 samples.
func series(recs []domain.PerformanceRecord, metric string) ([]point, bool) {
	if len(recs) == 0 {
		return nil, true
	}
	origin := recs[0].Timestamp
	out := make([]point, 0, len(recs))
	for _, r := range recs {
		var y float64
		switch metric {
		case domain.MetricResponseTime:
			y = r.ResponseTime.Seconds()
		case domain.MetricUserSatisfaction:
			if r.UserSatisfaction <= 0 {
				continue
			}
			y = r.UserSatisfaction
		case domain.MetricSuccessRate:
			if r.Success {
				y = 1
			}
		case domain.MetricErrorRate:
			if !r.Success {
				y = 1
			}
		case domain.MetricCPU:
			y = r.ResourceUsage.CPUPercent
		case domain.MetricMemory:
			y = r.ResourceUsage.MemoryPercent
		default:
			return nil, false
		}
		out = append(out, point{x: r.Timestamp.Sub(origin).Hours(), y: y})
	}
	return out, true
}

// regression is an ordinary least squares fit y = intercept + slope*x.
type regression struct {
	slope, intercept float64
	r2               float64
	residualStd      float64
	meanY            float64
	lastX            float64
	spanX            float64
	n                int
}

func fit(pts []point) regression {
	n := float64(len(pts))
	var sx, sy float64
	for _, p := range pts {
		sx += p.x
		sy += p.y
	}
	mx, my := sx/n, sy/n

	var sxx, sxy, syy float64
	for _, p := range pts {
		dx, dy := p.x-mx, p.y-my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}

	reg := regression{meanY: my, intercept: my, n: len(pts)}
	reg.lastX = pts[len(pts)-1].x
	reg.spanX = reg.lastX - pts[0].x
	if sxx > 0 {
		reg.slope = sxy / sxx
		reg.intercept = my - reg.slope*mx
	}

	var ssRes float64
	for _, p := range pts {
		e := p.y - (reg.intercept + reg.slope*p.x)
		ssRes += e * e
	}
	if syy > 0 {
		reg.r2 = math.Max(0, 1-ssRes/syy)
	}
	if len(pts) > 2 {
		reg.residualStd = math.Sqrt(ssRes / (n - 2))
	}
	return reg
}

func (m *Monitor) regress(op, agentID, metric string) (regression, error) {
	m.mu.Lock()
	recs := window(m.records[agentID], m.cfg.TrendWindow)
	m.mu.Unlock()

	pts, known := series(recs, metric)
	if !known {
		return regression{}, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "unknown metric "+metric)
	}
	if len(pts) < minTrendPoints {
		return regression{}, domain.NewSubSystemError(subsystem, op, domain.ErrNotFound,
			"not enough data for "+agentID+"/"+metric)
	}
	return fit(pts), nil
}

// AnalyzeTrends fits a linear regression over the agent's recent values of
// metric. Confidence is the fit's R².
func (m *Monitor) AnalyzeTrends(agentID, metric string) (domain.TrendAnalysis, error) {
	reg, err := m.regress("Monitor.AnalyzeTrends", agentID, metric)
	if err != nil {
		return domain.TrendAnalysis{}, err
	}
	return domain.TrendAnalysis{
		AgentID:    agentID,
		Metric:     metric,
		Trend:      direction(metric, reg),
		ChangeRate: reg.slope,
		Confidence: reg.r2,
		Points:     reg.n,
	}, nil
}

func direction(metric string, reg regression) domain.TrendDirection {
	change := reg.slope * reg.spanX
	scale := math.Max(math.Abs(reg.meanY), 1e-9)
	if math.Abs(change)/scale < stableChange {
		return domain.TrendStable
	}
	rising := change > 0
	if rising != lowerIsBetter[metric] {
		return domain.TrendImproving
	}
	return domain.TrendDeclining
}

// PredictPerformance extrapolates metric hoursAhead past the latest point.
// The range is two residual standard deviations either side.
func (m *Monitor) PredictPerformance(agentID, metric string, hoursAhead float64) (domain.Prediction, error) {
	if hoursAhead < 0 {
		return domain.Prediction{}, domain.NewSubSystemError(subsystem, "Monitor.PredictPerformance",
			domain.ErrInvalidInput, "hours ahead must not be negative")
	}
	reg, err := m.regress("Monitor.PredictPerformance", agentID, metric)
	if err != nil {
		return domain.Prediction{}, err
	}
	value := reg.intercept + reg.slope*(reg.lastX+hoursAhead)
	spread := 2 * reg.residualStd
	lo, hi := bounds(metric)
	return domain.Prediction{
		AgentID:    agentID,
		Metric:     metric,
		HoursAhead: hoursAhead,
		Value:      clamp(value, lo, hi),
		Min:        clamp(value-spread, lo, hi),
		Max:        clamp(value+spread, lo, hi),
		Confidence: reg.r2,
		At:         m.now().Add(time.Duration(hoursAhead * float64(time.Hour))),
	}, nil
}

// bounds is the valid range of a metric.
func bounds(metric string) (float64, float64) {
	switch metric {
	case domain.MetricSuccessRate, domain.MetricErrorRate:
		return 0, 1
	case domain.MetricUserSatisfaction:
		return 0, 5
	case domain.MetricCPU, domain.MetricMemory:
		return 0, 100
	}
	return 0, math.Inf(1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
