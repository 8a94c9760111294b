package webhook

import (
	"strconv"
)

// ResultFields are the optional result fields a status callback may carry.
type ResultFields struct {
	PRURL        string
	PRNumber     int
	Summary      string
	ErrorMessage string
}

// Field-name candidates per concept, checked in order; first match wins.
// Providers ship the same concept under different names and nestings, so
// this table is deliberately isolated from transport.
var (
	prURLKeys    = []string{"pr_url", "pull_request_url", "pullRequestUrl", "prUrl"}
	prNumberKeys = []string{"pr_number", "pull_request_number", "pullRequestNumber", "prNumber"}
	summaryKeys  = []string{"summary", "output", "text", "plan"}
	errorKeys    = []string{"error", "error_message", "errorMessage", "failure_reason"}
)

// ExtractResultFields pulls the optional result fields out of a parsed
// callback payload, checking the top level, a nested "result" object, and a
// nested "data" object.
func ExtractResultFields(payload map[string]interface{}) ResultFields {
	scopes := []map[string]interface{}{payload}
	for _, key := range []string{"result", "data"} {
		if nested, ok := payload[key].(map[string]interface{}); ok {
			scopes = append(scopes, nested)
		}
	}

	var f ResultFields
	for _, scope := range scopes {
		if f.PRURL == "" {
			f.PRURL = firstString(scope, prURLKeys)
		}
		if f.PRNumber == 0 {
			f.PRNumber = firstInt(scope, prNumberKeys)
		}
		if f.Summary == "" {
			f.Summary = firstString(scope, summaryKeys)
		}
		if f.ErrorMessage == "" {
			f.ErrorMessage = firstString(scope, errorKeys)
		}

		// pull_request object shape: {"pull_request": {"html_url": ..., "number": ...}}
		if pr, ok := scope["pull_request"].(map[string]interface{}); ok {
			if f.PRURL == "" {
				f.PRURL = firstString(pr, []string{"html_url", "url"})
			}
			if f.PRNumber == 0 {
				f.PRNumber = firstInt(pr, []string{"number"})
			}
		}

		// "result" may itself be the summary string rather than an object.
		if f.Summary == "" {
			if s, ok := scope["result"].(string); ok {
				f.Summary = s
			}
		}
	}
	return f
}

// ExtractExternalID pulls the backend-assigned job id out of a payload.
// Returns "" when absent.
func ExtractExternalID(payload map[string]interface{}) string {
	return firstString(payload, []string{"id", "agentId", "agent_id", "job_id", "jobId"})
}

// ExtractStatus pulls the provider status string out of a payload.
func ExtractStatus(payload map[string]interface{}) string {
	return firstString(payload, []string{"status", "state"})
}

func firstString(scope map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if s, ok := scope[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstInt tolerates the number arriving as a JSON number, an int, or a
// numeric string.
func firstInt(scope map[string]interface{}, keys []string) int {
	for _, key := range keys {
		switch v := scope[key].(type) {
		case float64:
			if v != 0 {
				return int(v)
			}
		case int:
			if v != 0 {
				return v
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil && n != 0 {
				return n
			}
		}
	}
	return 0
}
