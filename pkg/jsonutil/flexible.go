package jsonutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// clients or LLMs send numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return fmt.Sprintf("%d", int64(numVal))
		}
		return fmt.Sprintf("%g", numVal)
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	return string(raw)
}

// FlexibleBool interprets booleans sent as JSON bools, numbers, or strings such
// as "YES"/"NO" (information_schema style) and "true"/"false".
func FlexibleBool(raw json.RawMessage) bool {
	switch strings.ToLower(strings.TrimSpace(FlexibleStringValue(raw))) {
	case "true", "yes", "y", "1", "t":
		return true
	default:
		return false
	}
}
