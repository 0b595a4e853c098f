package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/kagan-sh/kagan-core/internal/kerrors"
)

// toMap round-trips v through JSON to produce the map[string]any shape
// CoreResponse.Result carries on the wire — every built-in handler
// returns a domain struct (Task, Workspace, ...) this way rather than
// hand-mapping each entity's fields at the dispatch boundary.
func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"value": string(b)}
	}
	return out
}

// requireString extracts a required string param, returning a typed
// CodeInvalidArgument error (spec §7 "programmer error ... raised as
// exceptions at service boundaries") if missing or the wrong type.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", kerrors.New(kerrors.CodeInvalidArgument, fmt.Sprintf("%s is required", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", kerrors.New(kerrors.CodeInvalidArgument, fmt.Sprintf("%s must be a string", key))
	}
	return s, nil
}

func optionalString(params map[string]any, key string) *string {
	v, ok := params[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func optionalBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// optionalMap narrows an untyped param to map[string]any, used for nested
// object params (e.g. job submission params).
func optionalMap(params map[string]any, key string) map[string]any {
	v, ok := params[key]
	if !ok || v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
