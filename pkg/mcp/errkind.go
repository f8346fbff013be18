package mcp

import (
	"encoding/json"
	"net/http"
)

// Kind is an application-level error discriminator carried in the
// error.data.kind field of JSON-RPC error responses. Clients branch on
// kinds, not on error message text.
type Kind string

const (
	KindOriginDenied            Kind = "ORIGIN_DENIED"
	KindAuthRequired            Kind = "AUTH_REQUIRED"
	KindTokenExpired            Kind = "TOKEN_EXPIRED"
	KindTokenInvalid            Kind = "TOKEN_INVALID"
	KindAuthzDenied             Kind = "AUTHZ_DENIED"
	KindProtocolVersionMismatch Kind = "PROTOCOL_VERSION_MISMATCH"
	KindSessionUnknown          Kind = "SESSION_UNKNOWN"
	KindStreamGap               Kind = "STREAM_GAP"
	KindBackpressureExceeded    Kind = "BACKPRESSURE_EXCEEDED"
	KindUpstreamError           Kind = "UPSTREAM_ERROR"
	KindUpstreamSaturated       Kind = "UPSTREAM_SATURATED"
	KindToolUnknown             Kind = "TOOL_UNKNOWN"
	KindToolAmbiguous           Kind = "TOOL_AMBIGUOUS"
	KindConfigInvalid           Kind = "CONFIG_INVALID"
	KindInternal                Kind = "INTERNAL"
)

// Protocol-version error details. Carried in error.data.detail so
// clients can tell a missing header from an unsupported revision
// without parsing message text.
const (
	DetailProtocolVersionMissing  = "PROTOCOL_VERSION_MISSING"
	DetailProtocolVersionMismatch = "PROTOCOL_VERSION_MISMATCH"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// codeForKind maps each kind to the JSON-RPC error code used when the error
// is surfaced inside a JSON-RPC envelope. Server-defined errors use the
// implementation-reserved -32000..-32099 range.
var codeForKind = map[Kind]int{
	KindOriginDenied:            -32000,
	KindAuthRequired:            -32001,
	KindTokenExpired:            -32001,
	KindTokenInvalid:            -32001,
	KindAuthzDenied:             -32002,
	KindProtocolVersionMismatch: CodeInvalidRequest,
	KindSessionUnknown:          -32004,
	KindStreamGap:               -32005,
	KindBackpressureExceeded:    -32006,
	KindUpstreamError:           -32010,
	KindUpstreamSaturated:       -32011,
	KindToolUnknown:             CodeInvalidParams,
	KindToolAmbiguous:           CodeInvalidParams,
	KindConfigInvalid:           CodeInvalidParams,
	KindInternal:                CodeInternalError,
}

// httpStatusForKind maps kinds that short-circuit at the HTTP layer
// (before a JSON-RPC envelope exists) to their HTTP status codes.
var httpStatusForKind = map[Kind]int{
	KindOriginDenied:   http.StatusForbidden,
	KindAuthRequired:   http.StatusUnauthorized,
	KindTokenExpired:   http.StatusUnauthorized,
	KindTokenInvalid:   http.StatusUnauthorized,
	KindSessionUnknown: http.StatusNotFound,
	KindConfigInvalid:  http.StatusBadRequest,
}

// Code returns the JSON-RPC error code for the kind.
func (k Kind) Code() int {
	if c, ok := codeForKind[k]; ok {
		return c
	}
	return CodeInternalError
}

// HTTPStatus returns the HTTP status used when the kind is surfaced
// outside a JSON-RPC envelope. Kinds without a dedicated status are
// carried inside a 200 JSON-RPC error response.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatusForKind[k]; ok {
		return s
	}
	return http.StatusOK
}

// ErrorData is the structured error.data payload attached to gateway
// error responses.
type ErrorData struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// wireError is the JSON-RPC 2.0 error object, hand-built so the gateway
// controls the data field exactly.
type wireError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// errorResponse is the full JSON-RPC 2.0 error envelope.
type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   wireError       `json:"error"`
}

// NewErrorResponse builds a JSON-RPC error response envelope with the given
// numeric code and message. The id preserves the original request's raw id
// bytes; a nil id encodes as JSON null per the JSON-RPC 2.0 spec.
func NewErrorResponse(id json.RawMessage, code int, message string) []byte {
	return marshalErrorResponse(id, code, message, nil)
}

// NewKindErrorResponse builds a JSON-RPC error response carrying the kind
// discriminator in error.data.kind.
func NewKindErrorResponse(id json.RawMessage, kind Kind, message, detail string) []byte {
	return marshalErrorResponse(id, kind.Code(), message, &ErrorData{Kind: kind, Detail: detail})
}

func marshalErrorResponse(id json.RawMessage, code int, message string, data *ErrorData) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := errorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: wireError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	// Marshal of a fixed struct with string/int fields cannot fail.
	b, _ := json.Marshal(resp)
	return b
}
