package bundler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcHandler func(params []json.RawMessage) (any, *rpcError)

// rpcStub is a minimal JSON-RPC 2.0 server. Requests for methods without a
// handler get a method-not-found error.
type rpcStub struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string][][]json.RawMessage
	headers  http.Header
}

func newRPCStub(t *testing.T) *rpcStub {
	s := &rpcStub{handlers: map[string]rpcHandler{}, calls: map[string][][]json.RawMessage{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcStub) handle(method string, h rpcHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *rpcStub) result(method string, v any) {
	s.handle(method, func([]json.RawMessage) (any, *rpcError) { return v, nil })
}

func (s *rpcStub) fail(method string, code int, msg string) {
	s.handle(method, func([]json.RawMessage) (any, *rpcError) { return nil, &rpcError{Code: code, Message: msg} })
}

func (s *rpcStub) paramsOf(method string) [][]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *rpcStub) header(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Get(key)
}

func (s *rpcStub) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method] = append(s.calls[req.Method], req.Params)
	s.headers = r.Header.Clone()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = &rpcError{Code: -32601, Message: "method not found"}
	} else if result, rerr := h(req.Params); rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
