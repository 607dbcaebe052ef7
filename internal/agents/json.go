package agents

import (
	"encoding/json"
	"strings"
)

// decodeJSONBlock unmarshals the first JSON object found in a model reply,
// tolerating markdown fences and leading prose. Malformed output is an
// error for the caller to downgrade into its neutral fallback.
func decodeJSONBlock(text string, out interface{}) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		text = text[start : end+1]
	}
	return json.Unmarshal([]byte(text), out)
}
