package domain

import "time"

// PerformanceRecord captures the outcome of one agent interaction.
type PerformanceRecord struct {
	AgentID           string        `json:"agent_id"`
	SessionID         string        `json:"session_id,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	ResponseTime      time.Duration `json:"response_time"`
	Success           bool          `json:"success"`
	UserSatisfaction  float64       `json:"user_satisfaction,omitempty"` // 0-5, zero when unknown
	CulturalRelevance float64       `json:"cultural_relevance,omitempty"`
	ResourceUsage     ResourceUsage `json:"resource_usage"`
}

// ResourceUsage is a point-in-time sample of process resources.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	ActiveSessions int     `json:"active_sessions"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Metric names understood by the monitor.
const (
	MetricResponseTime     = "response_time"
	MetricUserSatisfaction = "user_satisfaction"
	MetricErrorRate        = "error_rate"
	MetricSuccessRate      = "success_rate"
	MetricCPU              = "cpu_usage"
	MetricMemory           = "memory_usage"
)

// Alert is raised when a metric crosses a threshold.
type Alert struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Severity     Severity  `json:"severity"`
	Metric       string    `json:"metric"`
	CurrentValue float64   `json:"current_value"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	Resolved     bool      `json:"resolved"`
	Superseded   bool      `json:"superseded,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
}

// HealthStatus buckets a health check.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthComponent is one of the four checks that make up a health score.
type HealthComponent struct {
	Name   string       `json:"name"`
	Score  float64      `json:"score"` // 0-100
	Status HealthStatus `json:"status"`
}

// HealthReport is an agent's rolling health.
type HealthReport struct {
	AgentID    string            `json:"agent_id"`
	Score      float64           `json:"score"` // 0-100
	Status     HealthStatus      `json:"status"`
	Components []HealthComponent `json:"components"`
	Samples    int               `json:"samples"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TrendDirection is the qualitative slope of a metric.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// TrendAnalysis is a linear-regression summary of a metric.
type TrendAnalysis struct {
	AgentID    string         `json:"agent_id"`
	Metric     string         `json:"metric"`
	Trend      TrendDirection `json:"trend"`
	ChangeRate float64        `json:"change_rate"` // slope per hour
	Confidence float64        `json:"confidence"`  // R²
	Points     int            `json:"points"`
}

// Prediction is an extrapolated metric value with a residual-based range.
type Prediction struct {
	AgentID    string    `json:"agent_id"`
	Metric     string    `json:"metric"`
	HoursAhead float64   `json:"hours_ahead"`
	Value      float64   `json:"value"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// RecommendationStatus is the lifecycle state of a recommendation.
type RecommendationStatus string

const (
	RecommendationPending    RecommendationStatus = "pending"
	RecommendationInProgress RecommendationStatus = "in_progress"
	RecommendationCompleted  RecommendationStatus = "completed"
	RecommendationRejected   RecommendationStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RecommendationStatus) Valid() bool {
	switch s {
	case RecommendationPending, RecommendationInProgress, RecommendationCompleted, RecommendationRejected:
		return true
	}
	return false
}

// Priority grades a recommendation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rating is an effort or risk level.
type Rating string

const (
	RatingLow    Rating = "low"
	RatingMedium Rating = "medium"
	RatingHigh   Rating = "high"
)

// OptimizationRecommendation is a proposed corrective action for an agent.
type OptimizationRecommendation struct {
	ID             string               `json:"id"`
	AgentID        string               `json:"agent_id"`
	Category       string               `json:"category"`
	Priority       Priority             `json:"priority"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	Actions        []string             `json:"actions"`
	ExpectedImpact float64              `json:"expected_impact"` // estimated improvement, percent
	Effort         Rating               `json:"effort"`
	Risk           Rating               `json:"risk"`
	Status         RecommendationStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}

// OptimizationReport lists what autoOptimize applied and skipped.
type OptimizationReport struct {
	Applied []OptimizationRecommendation `json:"applied"`
	Skipped []OptimizationRecommendation `json:"skipped"`
	RanAt   time.Time                    `json:"ran_at"`
}
