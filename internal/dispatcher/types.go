// Package dispatcher implements the Protocol Dispatcher (spec.md §4.D): it
// decodes JSON-RPC 2.0 envelopes, routes them to the registry/invocation
// engine/workflow orchestrator, and always answers with a well-formed
// envelope — a panic in a handler becomes an InternalError response, never
// a dropped connection.
//
// Grounded on the shape of the teacher's mcp-protocol Operations/Handler
// split (_examples/viant-agently/internal/mcp/expose/tool_handler.go,
// http_server.go): one method per MCP verb, a single "does this dispatcher
// handle this method" predicate, and notifications routed separately from
// request/response pairs.
package dispatcher

import "encoding/json"

// Request is an inbound JSON-RPC 2.0 request. ID is nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether r carries no id and therefore expects no
// response (spec.md §4.D).
func (r *Request) IsNotification() bool { return r.ID == nil }

// ErrorObject is the JSON-RPC 2.0 error shape.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 response. Result and Error are
// mutually exclusive.
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

func newResult(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
}

// Page is a cursor-paginated list result, used by tools/list, prompts/list
// and resources/list (spec.md §4.D, "list methods accept an optional
// cursor").
type Page struct {
	Items      interface{} `json:"items"`
	NextCursor string      `json:"nextCursor,omitempty"`
}
