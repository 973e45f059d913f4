package genai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// BuildPrompt renders a step request into the prompt sent to the service.
// Inputs are listed in key order so identical requests produce identical
// prompts.
func BuildPrompt(req GenerationRequest) string {
	var parts []string

	parts = append(parts, strings.TrimSpace(req.Instruction))

	if strings.TrimSpace(req.Context) != "" {
		parts = append(parts, "\nBusiness Context:")
		parts = append(parts, req.Context)
	}

	if len(req.Input) > 0 {
		keys := make([]string, 0, len(req.Input))
		for k := range req.Input {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts = append(parts, "\nInputs:")
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("- %s: %s", k, renderValue(req.Input[k])))
		}
	}

	if len(req.OutputKeys) > 0 {
		parts = append(parts, "\nInstructions:")
		parts = append(parts, "- Respond with a single JSON object and nothing else")
		parts = append(parts, fmt.Sprintf("- The object must contain the keys: %s", strings.Join(req.OutputKeys, ", ")))
		parts = append(parts, "- Only use facts present in the context or inputs")
	}

	return strings.Join(parts, "\n")
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
