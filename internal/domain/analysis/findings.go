package analysis

import (
	"fmt"
	"strings"
)

// Tool enum
const (
	ToolSparrow    = "sparrow"
	ToolHawk       = "hawk"
	ToolLoki       = "loki"
	ToolYara       = "yara"
	ToolVolatility = "volatility"
)

// FindingCounts value object
type FindingCounts struct {
	Alerts   int `json:"alerts"`
	Warnings int `json:"warnings"`
	Notices  int `json:"notices"`
	Total    int `json:"total"`
}

func (c *FindingCounts) add(kind string) {
	switch kind {
	case "alert":
		c.Alerts++
	case "warning":
		c.Warnings++
	case "notice":
		c.Notices++
	default:
		return
	}
	c.Total++
}

// Summary renders the counts the way they appear in step completion records.
func (c FindingCounts) Summary() string {
	if c.Total == 0 {
		return "no findings"
	}
	return fmt.Sprintf("%d findings (%d alerts, %d warnings, %d notices)", c.Total, c.Alerts, c.Warnings, c.Notices)
}

// ClassifyLine maps one line of tool output to a record level and counts
// any finding it reports.
func ClassifyLine(tool, line string, counts *FindingCounts) Level {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)

	switch tool {
	case ToolLoki:
		switch {
		case strings.HasPrefix(upper, "[ALERT]"):
			counts.add("alert")
			return LevelWarning
		case strings.HasPrefix(upper, "[WARNING]"):
			counts.add("warning")
			return LevelWarning
		case strings.HasPrefix(upper, "[NOTICE]"):
			counts.add("notice")
			return LevelInfo
		case strings.HasPrefix(upper, "[ERROR]"):
			return LevelError
		case strings.HasPrefix(upper, "[RESULT]"):
			return LevelSuccess
		}
		return LevelInfo

	case ToolYara:
		// yara prints "<rule> <path>" per match, errors start with "error"
		if trimmed == "" {
			return LevelInfo
		}
		if strings.HasPrefix(upper, "ERROR") || strings.HasPrefix(upper, "WARNING") {
			return LevelError
		}
		counts.add("alert")
		return LevelWarning
	}

	// sparrow, hawk (PowerShell) and volatility share the usual prefixes
	switch {
	case strings.HasPrefix(upper, "ERROR") || strings.Contains(upper, "EXCEPTION"):
		return LevelError
	case strings.HasPrefix(upper, "WARNING"):
		counts.add("warning")
		return LevelWarning
	case strings.HasPrefix(upper, "[!]") || strings.Contains(upper, "SUSPICIOUS"):
		counts.add("alert")
		return LevelWarning
	}
	return LevelInfo
}
