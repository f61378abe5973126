package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
)

// Params is the parameter map of a tool call after normalization.
type Params map[string]interface{}

// ParamAliases maps external parameter spellings to the canonical names
// tools declare. Lookups are exact; keys not in the table fall back to a
// camelCase to snake_case conversion.
type ParamAliases map[string]string

// DefaultParamAliases returns the translation table applied by a registry
// unless it is configured with its own.
func DefaultParamAliases() ParamAliases {
	return ParamAliases{
		"file_path":         "path",
		"filePath":          "path",
		"filepath":          "path",
		"file":              "path",
		"dir":               "path",
		"directory":         "path",
		"dirPath":           "path",
		"cmd":               "command",
		"q":                 "query",
		"search":            "query",
		"glob":              "pattern",
		"text":              "content",
		"body":              "content",
		"timeoutMs":         "timeout_ms",
		"maxResults":        "max_results",
		"workingDir":        "working_dir",
		"working_directory": "working_dir",
	}
}

// Canonical returns the canonical spelling for key, or key itself when no
// alias applies.
func (a ParamAliases) Canonical(key string) string {
	if canon, ok := a[key]; ok {
		return canon
	}
	return snakeCase(key)
}

// Normalize returns a copy of params where every aliased key is also
// present under its canonical name. Original keys are kept, and an explicit
// canonical key always wins over an alias.
func (a ParamAliases) Normalize(params map[string]interface{}) Params {
	out := make(Params, len(params)*2)
	for k, v := range params {
		out[k] = v
	}
	for k, v := range params {
		canon := a.Canonical(k)
		if canon == k {
			continue
		}
		if _, explicit := params[canon]; explicit {
			continue
		}
		out[canon] = v
	}
	return out
}

func snakeCase(s string) string {
	hasUpper := false
	for _, r := range s {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Decode copies the parameters into out, which must be a pointer to a
// struct tagged with `mapstructure`. Scalars are weakly converted, so a
// JSON number or "42" both decode into an int field. Unknown keys are ignored.
func (p Params) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build params decoder: %w", err)
	}
	if err := dec.Decode(map[string]interface{}(p)); err != nil {
		return fmt.Errorf("invalid tool parameters: %w", err)
	}
	return nil
}

// String extracts a string parameter.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int extracts an integer parameter from any of the numeric shapes JSON
// decoding can produce.
func (p Params) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Bool extracts a boolean parameter.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// ParseParams unmarshals raw tool call arguments. Empty input yields an
// empty map.
func ParseParams(raw json.RawMessage) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}
