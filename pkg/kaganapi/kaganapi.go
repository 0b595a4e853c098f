// Package kaganapi defines the stable wire types the IPC boundary (C13)
// and its transports (internal/httpipc) speak: CoreRequest/CoreResponse
// and the per-operation params the host's built-in dispatch map expects.
// Grounded on CoreRequest/CoreResponse in
// original_source/.../core/ipc/contracts.py (confirmed via its import in
// tests/core/unit/test_plugin_sdk.py) and spec §6's IPC request/response
// shape.
package kaganapi

// CoreRequest is a capability-addressed IPC request: a session, a
// (capability, method) address, and untyped params (spec §6 — "params
// are untyped on the wire").
type CoreRequest struct {
	SessionID  string         `json:"session_id"`
	Capability string         `json:"capability"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
}

// ErrorDetail is the machine-readable error shape every surfaced failure
// carries (spec §7's "User-visible failure behavior").
type ErrorDetail struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Hint     string         `json:"hint,omitempty"`
	NextTool string         `json:"next_tool,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// CoreResponse is the uniform IPC response envelope (spec §6).
type CoreResponse struct {
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty"`
}

// Ok builds a successful response.
func Ok(result map[string]any) CoreResponse {
	return CoreResponse{OK: true, Result: result}
}

// Err builds a failed response from an ErrorDetail.
func Err(detail ErrorDetail) CoreResponse {
	return CoreResponse{OK: false, Error: &detail}
}
