package reconcile

import anomaly "sensorwatch/internal/anomaly/domain"

const (
	scoreStart     = 100
	redPenalty     = 15
	yellowPenalty  = 8
	mlIssuePenalty = 5
	scoreFloor     = 0
	scoreCeiling   = 100
)

// Summary is the alert overview of an issue list.
type Summary struct {
	AlertLevel  anomaly.AlertLevel `json:"alert_level"`
	HealthScore int                `json:"health_score"`
	Red         int                `json:"red"`
	Yellow      int                `json:"yellow"`
	Green       int                `json:"green"`
	MLIssues    int                `json:"ml_issues"`
}

// Summarize scores the issues: red if any issue is red, yellow if any issue
// exists, green otherwise. The health score starts at 100; rule findings cost
// points by alert level and ML findings a flat amount each.
func Summarize(issues []anomaly.Record) Summary {
	var s Summary
	penalty := 0
	for _, rec := range issues {
		level := rec.EffectiveAlertLevel()
		switch level {
		case anomaly.AlertRed:
			s.Red++
		case anomaly.AlertYellow:
			s.Yellow++
		default:
			s.Green++
		}
		if rec.DetectionMethod == anomaly.MethodMLBased || rec.DetectionMethod == anomaly.MethodHybrid {
			s.MLIssues++
			penalty += mlIssuePenalty
			continue
		}
		switch level {
		case anomaly.AlertRed:
			penalty += redPenalty
		case anomaly.AlertYellow:
			penalty += yellowPenalty
		}
	}
	switch {
	case s.Red > 0:
		s.AlertLevel = anomaly.AlertRed
	case len(issues) > 0:
		s.AlertLevel = anomaly.AlertYellow
	default:
		s.AlertLevel = anomaly.AlertGreen
	}
	score := scoreStart - penalty
	if score < scoreFloor {
		score = scoreFloor
	}
	if score > scoreCeiling {
		score = scoreCeiling
	}
	s.HealthScore = score
	return s
}
