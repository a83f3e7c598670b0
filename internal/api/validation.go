package api

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// validateBody checks a decoded JSON body against a JSON Schema subset:
// type, required, properties, minLength, maxLength, minimum, maximum,
// pattern, enum. All violations are collected, not just the first.
func validateBody(schema map[string]any, body []byte) []string {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return []string{"invalid JSON body"}
	}
	var errs []string
	validateValue("$", schema, value, &errs)
	return errs
}

func validateValue(path string, schema map[string]any, value any, errs *[]string) {
	if expected, ok := schema["type"].(string); ok {
		if msg := checkType(path, expected, value); msg != "" {
			*errs = append(*errs, msg)
			return
		}
	}

	if enumRaw, ok := schema["enum"].([]any); ok {
		if msg := checkEnum(path, enumRaw, value); msg != "" {
			*errs = append(*errs, msg)
		}
	}

	switch v := value.(type) {
	case string:
		validateString(path, schema, v, errs)
	case float64:
		validateNumber(path, schema, v, errs)
	case map[string]any:
		validateObject(path, schema, v, errs)
	}
}

func checkType(path, expected string, value any) string {
	var actual string
	switch v := value.(type) {
	case map[string]any:
		actual = "object"
	case []any:
		actual = "array"
	case string:
		actual = "string"
	case float64:
		if expected == "integer" {
			if v != math.Floor(v) {
				return fmt.Sprintf("%s: expected integer, got float", path)
			}
			return ""
		}
		actual = "number"
	case bool:
		actual = "boolean"
	case nil:
		actual = "null"
	}
	if expected == "integer" && actual == "number" {
		return ""
	}
	if actual != expected {
		return fmt.Sprintf("%s: expected type %s, got %s", path, expected, actual)
	}
	return ""
}

func checkEnum(path string, allowed []any, value any) string {
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", value) {
			return ""
		}
	}
	return fmt.Sprintf("%s: value not in allowed values", path)
}

func validateString(path string, schema map[string]any, value string, errs *[]string) {
	if min, ok := schema["minLength"].(float64); ok && len(value) < int(min) {
		*errs = append(*errs, fmt.Sprintf("%s: shorter than %d characters", path, int(min)))
	}
	if max, ok := schema["maxLength"].(float64); ok && len(value) > int(max) {
		*errs = append(*errs, fmt.Sprintf("%s: longer than %d characters", path, int(max)))
	}
	if pattern, ok := schema["pattern"].(string); ok {
		if re, err := regexp.Compile(pattern); err == nil && !re.MatchString(value) {
			*errs = append(*errs, fmt.Sprintf("%s: does not match %s", path, pattern))
		}
	}
}

func validateNumber(path string, schema map[string]any, value float64, errs *[]string) {
	if min, ok := schema["minimum"].(float64); ok && value < min {
		*errs = append(*errs, fmt.Sprintf("%s: below minimum %v", path, min))
	}
	if max, ok := schema["maximum"].(float64); ok && value > max {
		*errs = append(*errs, fmt.Sprintf("%s: above maximum %v", path, max))
	}
}

func validateObject(path string, schema map[string]any, value map[string]any, errs *[]string) {
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := value[name]; !present {
				*errs = append(*errs, fmt.Sprintf("%s.%s: required field missing", path, name))
			}
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, sub := range props {
		subSchema, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		if v, present := value[name]; present {
			validateValue(path+"."+name, subSchema, v, errs)
		}
	}
}
