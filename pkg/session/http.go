package session

import (
	"encoding/json"
	"net/http"

	"github.com/trustgate/trustgate/internal/httpserver"
)

// SessionHeader is the bearer header carrying a session's signed token,
// issued on initialize and required on every subsequent request (spec
// §4.5/§6: "Mcp-Session-Id").
const SessionHeader = "Mcp-Session-Id"

// Transport exposes the JSON-RPC tool surface over a single HTTP path:
// POST carries every JSON-RPC request (initialize, tools/list, tools/call),
// GET confirms a session is still live (spec §4.5 names GET as stream
// resumption; this transport has no SSE stream to resume, so GET instead
// re-validates the bearer token and reports the session back, the one
// thing a resuming client actually needs from a non-streaming transport),
// DELETE closes the session named by the header.
type Transport struct {
	manager *Manager
}

func NewTransport(manager *Manager) *Transport {
	return &Transport{manager: manager}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		httpserver.RespondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST, GET, or DELETE")
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidParams, "malformed JSON-RPC request"))
		return
	}

	if req.Method == "initialize" {
		t.handleInitialize(w, req)
		return
	}

	token := r.Header.Get(SessionHeader)
	sess, ok := t.manager.Resolve(token)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse(req.ID, CodeBadSession, "unknown or expired session"))
		return
	}

	switch req.Method {
	case "tools/list":
		writeJSON(w, http.StatusOK, resultResponse(req.ID, toolNames()))
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidParams, "malformed tools/call params"))
			return
		}
		resp := t.manager.Dispatch(r.Context(), sess, req.ID, params)
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeMethodNotFound, "unknown method "+req.Method))
	}
}

func (t *Transport) handleInitialize(w http.ResponseWriter, req Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidParams, "malformed initialize params"))
			return
		}
	}

	token, err := t.manager.Initialize(params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(req.ID, CodeInvalidParams, err.Error()))
		return
	}

	w.Header().Set(SessionHeader, token)
	writeJSON(w, http.StatusOK, resultResponse(req.ID, map[string]any{
		"sessionId":    token,
		"agentName":    params.AgentName,
		"agentVersion": params.AgentVersion,
	}))
}

// handleGet re-validates the session bearer token without dispatching any
// RPC. There is no SSE stream to resume here, so this is as far as
// "resumption" goes: confirm the session is still live and hand back its
// metadata so a reconnecting client can tell whether it needs to
// re-initialize.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(SessionHeader)
	sess, ok := t.manager.Resolve(token)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "bad_session", "unknown or expired session")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"sessionId":    sess.ID,
		"agentName":    sess.AgentName,
		"agentVersion": sess.AgentVersion,
		"lastSeenAt":   sess.LastSeenAt,
	})
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(SessionHeader)
	sess, ok := t.manager.Resolve(token)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "bad_session", "unknown or expired session")
		return
	}
	t.manager.Close(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func toolNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
