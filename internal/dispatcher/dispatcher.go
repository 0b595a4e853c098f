// Package dispatcher implements C13: the request dispatcher / core host,
// the capability-addressed IPC termination point spec §4.11 describes.
// It authorizes a request against its registered session's profile,
// routes it to either a built-in handler (services C5-C11) or a plugin
// operation (C12), and tracks the idle-session-count → exit-timer
// lifecycle spec §4.11's "Idle-timeout lifecycle" names. Grounded on the
// CoreHost shape exercised in
// original_source/tests/core/unit/test_plugin_sdk.py
// (register_session/handle_request, AUTHORIZATION_DENIED/
// PLUGIN_POLICY_DENIED outcomes) since host.py itself was filtered out of
// the retrieval pack's original_source/ tree.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/plugin"
	"github.com/kagan-sh/kagan-core/pkg/kaganapi"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// BuiltinHandler is a core service operation addressed by (capability,
// method). It receives the session id (for audit/authorship) and the
// request's untyped params, and returns the result map the wire
// CoreResponse.Result field carries.
type BuiltinHandler func(ctx context.Context, sessionID string, params map[string]any) (map[string]any, error)

type builtinKey struct{ capability, method string }

// Host is the C13 request dispatcher. It is safe for concurrent use.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]plugin.Profile
	builtins map[builtinKey]BuiltinHandler
	plugins  *plugin.Registry
	audit    *repositories.AuditRepo

	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func()
}

// New builds a Host. idleTimeout of zero disables the idle-exit timer
// (spec §6 general.core_idle_timeout_seconds == 0 means "never exit").
// onIdle is invoked once the timer fires with zero registered sessions
// still outstanding; cmd/kagand wires it to process shutdown.
func New(plugins *plugin.Registry, audit *repositories.AuditRepo, idleTimeout time.Duration, onIdle func()) *Host {
	return &Host{
		sessions:    map[string]plugin.Profile{},
		builtins:    map[builtinKey]BuiltinHandler{},
		plugins:     plugins,
		audit:       audit,
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

// RegisterBuiltin adds a built-in (capability, method) handler. Called
// during host construction in cmd/kagand, once per operation the core
// exposes directly (as opposed to via a plugin).
func (h *Host) RegisterBuiltin(capability, method string, handler BuiltinHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.builtins[builtinKey{capability, method}] = handler
}

// RegisterSession admits a new IPC client under the given authorization
// profile and cancels any pending idle-exit timer (spec §4.11).
func (h *Host) RegisterSession(sessionID string, profile plugin.Profile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = profile
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

// UnregisterSession removes a session. If this drops the active count to
// zero and an idle timeout is configured, starts the exit timer.
func (h *Host) UnregisterSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
	if len(h.sessions) == 0 && h.idleTimeout > 0 && h.onIdle != nil {
		h.idleTimer = time.AfterFunc(h.idleTimeout, func() {
			h.mu.RLock()
			stillIdle := len(h.sessions) == 0
			h.mu.RUnlock()
			if stillIdle {
				logging.Info("dispatcher: idle for %s with no registered sessions, exiting", h.idleTimeout)
				h.onIdle()
			}
		})
	}
}

// ActiveSessionCount returns the number of currently registered sessions.
func (h *Host) ActiveSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dispatch routes req per spec §4.11's Flow: look up the session, try a
// built-in handler, else a plugin operation (profile + policy_hook
// checked first), and always return a CoreResponse rather than letting an
// error escape — the dispatcher never leaks a raw exception (spec §7).
func (h *Host) Dispatch(ctx context.Context, req kaganapi.CoreRequest) kaganapi.CoreResponse {
	h.mu.RLock()
	profile, known := h.sessions[req.SessionID]
	builtin, hasBuiltin := h.builtins[builtinKey{req.Capability, req.Method}]
	h.mu.RUnlock()

	if !known {
		return h.audited(req, kaganapi.Err(kaganapi.ErrorDetail{
			Code:    string(kerrors.CodeAuthorizationDenied),
			Message: fmt.Sprintf("unknown session %q", req.SessionID),
		}))
	}

	if hasBuiltin {
		result, err := builtin(ctx, req.SessionID, req.Params)
		if err != nil {
			return h.audited(req, errResponse(kerrors.CodeCoreInternalError, err))
		}
		return h.audited(req, kaganapi.Ok(result))
	}

	op, found := h.plugins.Resolve(req.Capability, req.Method)
	if !found {
		return h.audited(req, kaganapi.Err(kaganapi.ErrorDetail{
			Code:    string(kerrors.CodeCoreInternalError),
			Message: fmt.Sprintf("no handler registered for %s.%s", req.Capability, req.Method),
		}))
	}

	if !profile.Meets(op.MinimumProfile) {
		return h.audited(req, kaganapi.Err(kaganapi.ErrorDetail{
			Code:    string(kerrors.CodeAuthorizationDenied),
			Message: fmt.Sprintf("session profile %s below required %s for %s.%s", profile, op.MinimumProfile, req.Capability, req.Method),
		}))
	}

	pluginReq := plugin.Request{
		SessionID:  req.SessionID,
		Profile:    profile,
		Capability: req.Capability,
		Method:     req.Method,
		Params:     req.Params,
	}
	if op.PolicyHook != nil {
		if denial := op.PolicyHook(ctx, pluginReq); denial != nil {
			return h.audited(req, kaganapi.Err(kaganapi.ErrorDetail{
				Code:    string(kerrors.CodePluginPolicyDenied),
				Message: denial.Message,
				Details: map[string]any{"policy_code": denial.Code},
			}))
		}
	}

	result, err := h.plugins.Invoke(ctx, op, pluginReq)
	if err != nil {
		return h.audited(req, kaganapi.Err(kaganapi.ErrorDetail{
			Code:    string(kerrors.CodePluginHandlerError),
			Message: err.Error(),
		}))
	}
	return h.audited(req, kaganapi.Ok(result))
}

func errResponse(code kerrors.Code, err error) kaganapi.CoreResponse {
	if ce, ok := err.(*kerrors.CoreError); ok {
		return kaganapi.Err(kaganapi.ErrorDetail{
			Code:     string(ce.Code),
			Message:  ce.Message,
			Hint:     ce.Hint,
			NextTool: ce.NextTool,
			Details:  ce.Details,
		})
	}
	return kaganapi.Err(kaganapi.ErrorDetail{Code: string(code), Message: err.Error()})
}

// audited writes an AuditEvent for the dispatch outcome (the policy
// gate's persistent trail, spec §3 AuditEvent) and returns resp
// unchanged, so callers can return the result of this call directly.
// Audit-write failures are logged, not surfaced — the audit trail is a
// side effect of dispatch, never a reason to fail the caller's request.
func (h *Host) audited(req kaganapi.CoreRequest, resp kaganapi.CoreResponse) kaganapi.CoreResponse {
	if h.audit == nil {
		return resp
	}
	sessionID := req.SessionID
	event := &models.AuditEvent{
		ActorType:   "session",
		ActorID:     req.SessionID,
		SessionID:   &sessionID,
		Capability:  req.Capability,
		CommandName: req.Method,
		PayloadJSON: req.Params,
		ResultJSON:  resp.Result,
		Success:     resp.OK,
	}
	if resp.Error != nil {
		event.ResultJSON = map[string]any{"error_code": resp.Error.Code, "error_message": resp.Error.Message}
	}
	if err := h.audit.Record(context.Background(), event); err != nil {
		logging.Error("dispatcher: failed to record audit event for %s.%s: %v", req.Capability, req.Method, err)
	}
	return resp
}
