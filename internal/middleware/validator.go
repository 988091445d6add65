package middleware

import (
	"fmt"
	"regexp"
	"strings"
)

// Input validation and sanitization utilities

var (
	allowedTools = []string{"sparrow", "hawk", "loki", "yara", "volatility"}

	tenantPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	caseIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	analysisIDPattern = regexp.MustCompile(`^[A-Z]{1,8}-[0-9]{4,}$`)
	optionKeyPattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// ValidateTool checks if the tool name is in the allowed list
func ValidateTool(tool string) error {
	for _, t := range allowedTools {
		if t == tool {
			return nil
		}
	}
	return fmt.Errorf("invalid tool: %s (allowed: %s)", tool, strings.Join(allowedTools, ", "))
}

// ValidateToolScope requires a non-empty list of known tools without repeats.
func ValidateToolScope(scope []string) error {
	if len(scope) == 0 {
		return fmt.Errorf("tool_scope cannot be empty")
	}
	seen := make(map[string]bool, len(scope))
	for _, tool := range scope {
		if err := ValidateTool(tool); err != nil {
			return err
		}
		if seen[tool] {
			return fmt.Errorf("tool %s listed twice", tool)
		}
		seen[tool] = true
	}
	return nil
}

// ValidateOptions checks extraction option keys and strips control
// characters from the values.
func ValidateOptions(options map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(options))
	for k, v := range options {
		if !optionKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("invalid option key %q", k)
		}
		out[k] = SanitizeString(v)
	}
	return out, nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

// ValidateTenantID validates tenant ID format
func ValidateTenantID(tenant string) error {
	if tenant == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("invalid tenant ID format (alphanumeric, dash, underscore only, max 64 chars)")
	}
	return nil
}

// ValidateCaseID validates case ID format
func ValidateCaseID(caseID string) error {
	if !caseIDPattern.MatchString(caseID) {
		return fmt.Errorf("invalid case ID format")
	}
	return nil
}

// ValidateAnalysisID validates ids like FA-0001
func ValidateAnalysisID(id string) error {
	if !analysisIDPattern.MatchString(id) {
		return fmt.Errorf("invalid analysis ID format")
	}
	return nil
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ValidateLogLimit bounds a log page size; 0 means everything.
func ValidateLogLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	if limit > 5000 {
		return 5000
	}
	return limit
}
