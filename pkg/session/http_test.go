package session

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doRPC(t *testing.T, srv *httptest.Server, method, token string, params any) (*http.Response, Response) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		httpReq.Header.Set(SessionHeader, token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestTransport_InitializeIssuesSessionHeader(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	resp, decoded := doRPC(t, srv, "initialize", "", InitializeParams{AgentName: "tester"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(SessionHeader) == "" {
		t.Fatal("initialize response should carry the Mcp-Session-Id header")
	}
	if decoded.Error != nil {
		t.Fatalf("decoded.Error = %v", decoded.Error)
	}
}

func TestTransport_ToolsCallWithoutSessionIsBadSession(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	resp, decoded := doRPC(t, srv, "tools/call", "", ToolCallParams{Name: "list_emails"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeBadSession {
		t.Errorf("decoded.Error = %+v, want CodeBadSession", decoded.Error)
	}
}

func TestTransport_ToolsListRequiresSession(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	_, init := doRPC(t, srv, "initialize", "", InitializeParams{AgentName: "tester"})
	token, ok := init.Result.(map[string]any)
	if !ok {
		t.Fatalf("initialize result type = %T", init.Result)
	}
	sessionID, _ := token["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("initialize result should carry a sessionId")
	}

	resp, decoded := doRPC(t, srv, "tools/list", sessionID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if decoded.Error != nil {
		t.Fatalf("decoded.Error = %v", decoded.Error)
	}
}

func TestTransport_DeleteClosesSession(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	_, init := doRPC(t, srv, "initialize", "", InitializeParams{AgentName: "tester"})
	token := init.Result.(map[string]any)
	sessionID := token["sessionId"].(string)

	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	if err != nil {
		t.Fatalf("building DELETE request: %v", err)
	}
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	followUp, decoded := doRPC(t, srv, "tools/list", sessionID, nil)
	if followUp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status after DELETE = %d, want 401 (session should no longer resolve)", followUp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeBadSession {
		t.Errorf("decoded.Error = %+v, want CodeBadSession after session close", decoded.Error)
	}
}

func TestTransport_UnsupportedMethodIs405(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL, nil)
	if err != nil {
		t.Fatalf("building PUT request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestTransport_GetResumesLiveSession(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	_, init := doRPC(t, srv, "initialize", "", InitializeParams{AgentName: "tester"})
	token := init.Result.(map[string]any)
	sessionID := token["sessionId"].(string)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("building GET request: %v", err)
	}
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if decoded["sessionId"] != sessionID {
		t.Errorf("sessionId = %v, want %v", decoded["sessionId"], sessionID)
	}
}

func TestTransport_GetWithUnknownSessionIsUnauthorized(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("building GET request: %v", err)
	}
	req.Header.Set(SessionHeader, "not-a-real-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTransport_MalformedJSONIsBadRequest(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	srv := httptest.NewServer(NewTransport(rig.manager))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
