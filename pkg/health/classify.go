package health

import (
	"fmt"
	"time"

	"github.com/syntor/agentcore/pkg/models"
)

// Thresholds drive level derivation and per-metric alerts.
// Percentages are on a 0-100 scale.
type Thresholds struct {
	CPUWarning          float64       `json:"cpu_warning" yaml:"cpu_warning"`
	CPUCritical         float64       `json:"cpu_critical" yaml:"cpu_critical"`
	MemoryWarning       float64       `json:"memory_warning" yaml:"memory_warning"`
	MemoryCritical      float64       `json:"memory_critical" yaml:"memory_critical"`
	ErrorRateWarning    float64       `json:"error_rate_warning" yaml:"error_rate_warning"`
	ErrorRateCritical   float64       `json:"error_rate_critical" yaml:"error_rate_critical"`
	SuccessRateWarning  float64       `json:"success_rate_warning" yaml:"success_rate_warning"`
	SuccessRateCritical float64       `json:"success_rate_critical" yaml:"success_rate_critical"`
	ResponseTime        time.Duration `json:"response_time" yaml:"response_time"`
	HeartbeatWarning    time.Duration `json:"heartbeat_warning" yaml:"heartbeat_warning"`
	HeartbeatCritical   time.Duration `json:"heartbeat_critical" yaml:"heartbeat_critical"`
}

// DefaultThresholds returns the default classification thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:          80,
		CPUCritical:         95,
		MemoryWarning:       80,
		MemoryCritical:      95,
		ErrorRateWarning:    20,
		ErrorRateCritical:   50,
		SuccessRateWarning:  80,
		SuccessRateCritical: 50,
		ResponseTime:        30 * time.Second,
		HeartbeatWarning:    120 * time.Second,
		HeartbeatCritical:   300 * time.Second,
	}
}

// Classification is the derived view of one metrics snapshot
type Classification struct {
	Level    models.HealthLevel
	Warnings []string
	Errors   []string
}

// Classify derives a health level from metrics and heartbeat age.
// Rules are evaluated top-down and the first match wins:
//
//	unhealthy: not responsive, or error rate, cpu or memory past its critical threshold
//	critical:  two or more warning conditions, or heartbeat older than HeartbeatCritical
//	warning:   one warning condition, or heartbeat older than HeartbeatWarning
//	healthy:   otherwise
func Classify(m models.HealthMetrics, heartbeatAge time.Duration, th Thresholds) Classification {
	var c Classification

	if !m.Responsive {
		c.Errors = append(c.Errors, "agent not responsive")
	}
	if m.ErrorRate > th.ErrorRateCritical {
		c.Errors = append(c.Errors, fmt.Sprintf("error rate %.1f%% above %.1f%%", m.ErrorRate, th.ErrorRateCritical))
	}
	if m.CPUUsage > th.CPUCritical {
		c.Errors = append(c.Errors, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", m.CPUUsage, th.CPUCritical))
	}
	if m.MemoryUsage > th.MemoryCritical {
		c.Errors = append(c.Errors, fmt.Sprintf("memory usage %.1f%% above %.1f%%", m.MemoryUsage, th.MemoryCritical))
	}
	if len(c.Errors) > 0 {
		c.Level = models.HealthUnhealthy
		return c
	}

	if m.ErrorRate > th.ErrorRateWarning {
		c.Warnings = append(c.Warnings, fmt.Sprintf("error rate %.1f%% above %.1f%%", m.ErrorRate, th.ErrorRateWarning))
	}
	if m.CPUUsage > th.CPUWarning {
		c.Warnings = append(c.Warnings, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", m.CPUUsage, th.CPUWarning))
	}
	if m.MemoryUsage > th.MemoryWarning {
		c.Warnings = append(c.Warnings, fmt.Sprintf("memory usage %.1f%% above %.1f%%", m.MemoryUsage, th.MemoryWarning))
	}
	if m.ResponseTime > th.ResponseTime {
		c.Warnings = append(c.Warnings, fmt.Sprintf("response time %s above %s", m.ResponseTime, th.ResponseTime))
	}
	if m.SuccessRate < th.SuccessRateWarning {
		c.Warnings = append(c.Warnings, fmt.Sprintf("success rate %.1f%% below %.1f%%", m.SuccessRate, th.SuccessRateWarning))
	}

	breaches := len(c.Warnings)
	switch {
	case heartbeatAge > th.HeartbeatCritical:
		c.Errors = append(c.Errors, fmt.Sprintf("no heartbeat for %s", heartbeatAge.Truncate(time.Second)))
		c.Level = models.HealthCritical
	case breaches >= 2:
		c.Level = models.HealthCritical
	case heartbeatAge > th.HeartbeatWarning:
		c.Warnings = append(c.Warnings, fmt.Sprintf("no heartbeat for %s", heartbeatAge.Truncate(time.Second)))
		c.Level = models.HealthWarning
	case breaches == 1:
		c.Level = models.HealthWarning
	default:
		c.Level = models.HealthHealthy
	}
	return c
}

// breach is one metric crossing its warning or critical threshold
type breach struct {
	metric   string
	severity models.AlertSeverity
	message  string
}

// metricBreaches lists the per-metric threshold breaches that raise alerts:
// cpu, memory and error rate above their thresholds, success rate below.
func metricBreaches(m models.HealthMetrics, th Thresholds) map[string]breach {
	out := make(map[string]breach, 4)

	above := func(metric string, value, warn, crit float64) {
		switch {
		case value > crit:
			out[metric] = breach{metric, models.SeverityCritical,
				fmt.Sprintf("%s %.1f%% exceeds critical threshold %.1f%%", metric, value, crit)}
		case value > warn:
			out[metric] = breach{metric, models.SeverityWarning,
				fmt.Sprintf("%s %.1f%% exceeds warning threshold %.1f%%", metric, value, warn)}
		}
	}
	above("cpu usage", m.CPUUsage, th.CPUWarning, th.CPUCritical)
	above("memory usage", m.MemoryUsage, th.MemoryWarning, th.MemoryCritical)
	above("error rate", m.ErrorRate, th.ErrorRateWarning, th.ErrorRateCritical)

	switch {
	case m.SuccessRate < th.SuccessRateCritical:
		out["success rate"] = breach{"success rate", models.SeverityCritical,
			fmt.Sprintf("success rate %.1f%% below critical threshold %.1f%%", m.SuccessRate, th.SuccessRateCritical)}
	case m.SuccessRate < th.SuccessRateWarning:
		out["success rate"] = breach{"success rate", models.SeverityWarning,
			fmt.Sprintf("success rate %.1f%% below warning threshold %.1f%%", m.SuccessRate, th.SuccessRateWarning)}
	}
	return out
}

// levelSeverity maps a level transition target to an alert severity
func levelSeverity(l models.HealthLevel) models.AlertSeverity {
	switch l {
	case models.HealthCritical, models.HealthUnhealthy:
		return models.SeverityCritical
	case models.HealthWarning:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
