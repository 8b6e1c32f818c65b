package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// extractJSONObject extracts a JSON object from text that may contain markdown
// code blocks or other formatting. Returns the extracted JSON string or an error.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

// ParseChartAnalysis parses model output strictly: every field must be present
// and non-null, no extra fields are accepted, types must match and the score
// must lie in [0,100]. No partial result is ever returned.
func ParseChartAnalysis(text string) (*ChartAnalysis, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("invalid JSON: %v (response: %s)", err, jsonStr)}
	}

	var missing []string
	for _, f := range ChartFields {
		v, ok := raw[f.Name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &MalformedResponseError{Missing: missing}
	}

	if len(raw) != len(ChartFields) {
		known := make(map[string]bool, len(ChartFields))
		for _, f := range ChartFields {
			known[f.Name] = true
		}
		var extra []string
		for k := range raw {
			if !known[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return nil, &MalformedResponseError{Reason: "unexpected fields " + strings.Join(extra, ", ")}
	}

	var chart ChartAnalysis
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&chart); err != nil {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("invalid field type: %v", err)}
	}

	if err := chart.Validate(); err != nil {
		return nil, err
	}
	return &chart, nil
}
