// Package session implements the session-scoped JSON-RPC tool surface of
// spec §4.5: a session is created on initialize, addressed by a signed
// Mcp-Session-Id bearer token, and every tools/call is run through a fixed
// ten-step envelope (policy decide, redact, route, audit) before its result
// is serialized back to the caller.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/pkg/router"
)

// Session is the server-side record of one initialized agent connection.
type Session struct {
	ID           string
	AgentName    string
	AgentVersion string
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

// Manager owns the live session map and dispatches tools/call requests
// through the policy → route → audit envelope, grounded on the teacher's
// SessionManager map-of-sessions shape (internal/auth/session.go) but keyed
// by an opaque id instead of a browser cookie.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	tokens *TokenManager
	engine *policy.Engine
	router *router.Router
	audit  *audit.Writer
	logger *slog.Logger
}

func NewManager(tokens *TokenManager, engine *policy.Engine, rtr *router.Router, writer *audit.Writer, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		tokens:   tokens,
		engine:   engine,
		router:   rtr,
		audit:    writer,
		logger:   logger,
	}
}

// Initialize creates a session for params and returns its bearer token.
// AgentName is required per spec §9 (no derived/default name).
func (m *Manager) Initialize(params InitializeParams) (string, error) {
	if params.AgentName == "" {
		return "", fmt.Errorf("agentName is required")
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		AgentName:    params.AgentName,
		AgentVersion: params.AgentVersion,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	token, err := m.tokens.Issue(TokenClaims{
		SessionID:    sess.ID,
		AgentName:    sess.AgentName,
		AgentVersion: sess.AgentVersion,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		return "", fmt.Errorf("issuing session token: %w", err)
	}
	return token, nil
}

// Resolve validates a bearer token and returns the live session it names.
func (m *Manager) Resolve(token string) (*Session, bool) {
	claims, err := m.tokens.Validate(token)
	if err != nil {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[claims.SessionID]
	if !ok {
		return nil, false
	}
	sess.LastSeenAt = time.Now()
	return sess, true
}

// Close removes a session, e.g. on DELETE or transport close.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// CloseAll drops every live session, called on process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// SessionCount reports how many sessions are currently live, for the
// gateway's health endpoint (spec §6).
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ToolCount reports the size of the registered tool catalog, for the
// gateway's health endpoint (spec §6).
func ToolCount() int {
	return len(catalog)
}

// pluginIDArg extracts the plugin id a tool call is scoped to, if the
// caller supplied one, for policy evaluation purposes; the router itself
// fans out across every registered plugin when none is given.
func pluginIDArg(args map[string]any) string {
	return stringArg(args, "plugin_id")
}

// Dispatch runs the ten-step tool-dispatch envelope of spec §4.5:
//  1. start timer
//  2. unknown tool -> method-not-found
//  3. evaluate policy
//  4. BLOCK -> deny, audit, return
//  5. REQUIRE_APPROVAL -> deny pending approval, audit, return
//  6. REDACT args
//  7. route the call via the Router
//  8. REDACT the result
//  9. audit the outcome (success/denied/error — always)
//  10. serialize the response
func (m *Manager) Dispatch(ctx context.Context, sess *Session, id json.RawMessage, params ToolCallParams) Response {
	start := time.Now()

	def, ok := catalog[params.Name]
	if !ok {
		return errorResponse(id, CodeMethodNotFound, fmt.Sprintf("unknown tool %q", params.Name))
	}

	evalCtx := policy.Context{
		Tool:         params.Name,
		Plugin:       pluginIDArg(params.Arguments),
		Agent:        sess.AgentName,
		AgentVersion: sess.AgentVersion,
		Args:         params.Arguments,
		Category:     def.category,
	}

	decision, err := m.engine.Decide(ctx, evalCtx)
	if err != nil {
		m.logAudit(sess, def, params, start, decision, audit.StatusError, err.Error(), "", nil)
		return errorResponse(id, CodeInternal, "policy evaluation failed")
	}

	if decision.Action == policy.ActionBlock {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by policy"
		}
		m.logAudit(sess, def, params, start, decision, audit.StatusDenied, "", "", nil)
		return resultResponse(id, errorResult(fmt.Sprintf("request blocked: %s", reason)))
	}

	if decision.Action == policy.ActionRequireApproval {
		m.logAudit(sess, def, params, start, decision, audit.StatusDenied, "", "", nil)
		return resultResponse(id, errorResult(fmt.Sprintf("approval required (request %s)", decision.ApprovalID)))
	}

	callArgs := params.Arguments
	if decision.Action == policy.ActionRedact {
		redacted, fields, err := m.engine.Redact(ctx, params.Arguments)
		if err != nil {
			m.logAudit(sess, def, params, start, decision, audit.StatusError, err.Error(), "", nil)
			return errorResponse(id, CodeInternal, "argument redaction failed")
		}
		if rm, ok := redacted.(map[string]any); ok {
			callArgs = rm
		}
		decision.RedactedFields = fields
	}

	result, fanOutMeta, err := def.run(ctx, m.router, callArgs)
	if err != nil {
		m.logAudit(sess, def, params, start, decision, audit.StatusError, err.Error(), "", nil)
		return resultResponse(id, errorResult(err.Error()))
	}

	if decision.Action == policy.ActionRedact {
		// Redact walks maps, slices and strings only, so the typed result is
		// converted to its generic JSON form first.
		var generic any
		if raw, merr := json.Marshal(result); merr == nil && json.Unmarshal(raw, &generic) == nil {
			redactedResult, fields, rerr := m.engine.Redact(ctx, generic)
			if rerr == nil {
				result = redactedResult
				decision.RedactedFields = append(decision.RedactedFields, fields...)
			}
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		m.logAudit(sess, def, params, start, decision, audit.StatusError, err.Error(), "", nil)
		return errorResponse(id, CodeInternal, "failed to serialize result")
	}

	m.logAudit(sess, def, params, start, decision, audit.StatusSuccess, "", summarize(result), fanOutMeta)
	return resultResponse(id, textResult(string(payload)))
}

func (m *Manager) logAudit(sess *Session, def toolDef, params ToolCallParams, start time.Time, decision policy.Decision, status audit.Status, errMsg, summary string, fanOutMeta *router.FanOutMeta) {
	var metadata map[string]any
	if fanOutMeta != nil {
		metadata = map[string]any{
			"accountCount":   fanOutMeta.AccountCount,
			"partialFailure": fanOutMeta.PartialFailure,
		}
	}

	m.audit.Log(audit.Entry{
		AgentName:    sess.AgentName,
		AgentVersion: sess.AgentVersion,
		PluginID:     pluginIDArg(params.Arguments),
		ToolName:     params.Name,
		InputArgs:    params.Arguments,
		Decision: audit.Decision{
			Action:         string(decision.Action),
			RuleID:         decision.MatchedRuleID,
			RedactedFields: decision.RedactedFields,
			Reason:         decision.Reason,
		},
		Status:          status,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		DataSummary:     summary,
		Metadata:        metadata,
	})
}

// summarize returns a one-line description of a tool result without
// echoing its contents into the audit log (spec §3: AuditEntry carries a
// dataSummary, not the raw result).
func summarize(result any) string {
	v := reflect.ValueOf(result)
	if v.Kind() == reflect.Slice {
		return fmt.Sprintf("%d records", v.Len())
	}
	return ""
}
