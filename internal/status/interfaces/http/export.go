package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"sensorwatch/internal/status/application"
)

// BuildIssuesXLSX renders the open issue list and the device summary.
func BuildIssuesXLSX(state application.State) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	issuesSheet := "issues"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(issuesSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Sensor Status")
	rows := [][2]any{
		{"Zone", state.ZoneID},
		{"Device", state.DeviceID},
		{"Device Health", string(state.DeviceHealth)},
		{"Data Status", string(state.DataStatus)},
		{"WiFi", string(state.WifiStatus)},
		{"Battery", state.BatteryStatus},
		{"Alert Level", string(state.Summary.AlertLevel)},
		{"Health Score", state.Summary.HealthScore},
		{"Anomaly Service", state.ModelStatus.OverallStatus},
		{"Updated", formatTime(state.UpdatedAt)},
	}
	for i, row := range rows {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+3), row[1])
	}

	headers := []string{"ID", "Time", "Type", "Label", "Severity", "Method", "Confidence", "Details", "New", "Action"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(issuesSheet, cell, header)
	}
	for i, issue := range state.Issues {
		row := i + 2
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("A%d", row), issue.ID)
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("B%d", row), formatTime(issue.Timestamp))
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("C%d", row), string(issue.Type))
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("D%d", row), issue.Label)
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("E%d", row), string(issue.Severity))
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("F%d", row), string(issue.DetectionMethod))
		if issue.Confidence != nil {
			_ = f.SetCellValue(issuesSheet, fmt.Sprintf("G%d", row), *issue.Confidence)
		}
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("H%d", row), issue.Details)
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("I%d", row), issue.New)
		_ = f.SetCellValue(issuesSheet, fmt.Sprintf("J%d", row), issue.Action)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
