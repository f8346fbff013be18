package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Aegis-Gate/aegisgate/internal/domain/session"
	"github.com/Aegis-Gate/aegisgate/internal/service"
	"github.com/Aegis-Gate/aegisgate/pkg/mcp"
)

// maxRequestBodySize caps one JSON-RPC POST body (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader carries the gateway session id.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader carries the negotiated protocol revision.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// mcpHandler routes the /mcp endpoint by HTTP method: POST for
// JSON-RPC, GET for the SSE stream, DELETE for session teardown.
func mcpHandler(gateway *service.GatewayService, metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlePost(w, r, gateway)
		case http.MethodGet:
			handleGet(w, r, gateway, metrics)
		case http.MethodDelete:
			handleDelete(w, r, gateway)
		case http.MethodOptions:
			handleOptions(w)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func handlePost(w http.ResponseWriter, r *http.Request, gateway *service.GatewayService) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeWireError(w, nil, mcp.CodeParseError, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeWireError(w, nil, mcp.CodeParseError, "Parse error: request body too large (max 1MB)")
			return
		}
		writeWireError(w, nil, mcp.CodeParseError, "Parse error: failed to read request body")
		return
	}
	if len(body) == 0 {
		writeWireError(w, nil, mcp.CodeParseError, "Parse error: empty request body")
		return
	}
	if !json.Valid(body) {
		writeWireError(w, nil, mcp.CodeParseError, "Parse error: invalid JSON")
		return
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeWireError(w, nil, mcp.CodeInvalidRequest, "Invalid Request: request must be a JSON object")
		return
	}
	if envelope.JSONRPC != "2.0" {
		writeWireError(w, nil, mcp.CodeInvalidRequest, `Invalid Request: missing or invalid jsonrpc version (must be "2.0")`)
		return
	}
	if envelope.Method == "" {
		writeWireError(w, nil, mcp.CodeInvalidRequest, "Invalid Request: missing method field")
		return
	}

	// Every request after the handshake must carry the protocol version
	// header; initialize negotiates it in the body instead.
	if envelope.Method != mcp.MethodInitialize {
		switch version := r.Header.Get(MCPProtocolVersionHeader); version {
		case mcp.ProtocolVersion:
		case "":
			writeKindError(w, envelope.ID, mcp.KindProtocolVersionMismatch,
				"Invalid Request: missing "+MCPProtocolVersionHeader+" header",
				mcp.DetailProtocolVersionMissing)
			return
		default:
			writeKindError(w, envelope.ID, mcp.KindProtocolVersionMismatch,
				fmt.Sprintf("Invalid Request: protocol version %q not supported, expected %q", version, mcp.ProtocolVersion),
				mcp.DetailProtocolVersionMismatch)
			return
		}
	}

	var sess *session.Session
	if sid := r.Header.Get(MCPSessionIDHeader); sid != "" {
		sess, err = gateway.Sessions().Get(sid)
		if err != nil {
			writeKindError(w, envelope.ID, mcp.KindSessionUnknown,
				"session not found", "the session expired or was closed; re-initialize")
			return
		}
	}

	msg, err := mcp.WrapMessage(body)
	if err != nil {
		writeWireError(w, envelope.ID, mcp.CodeInvalidRequest, "Invalid Request: malformed JSON-RPC envelope")
		return
	}

	res := gateway.Dispatch(r.Context(), sess, msg)

	w.Header().Set(MCPProtocolVersionHeader, mcp.ProtocolVersion)
	switch {
	case res.SessionID != "":
		w.Header().Set(MCPSessionIDHeader, res.SessionID)
	case sess != nil:
		w.Header().Set(MCPSessionIDHeader, sess.ID)
	}

	if res.Accepted {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Response)
}

// handleGet attaches the SSE stream for a session: replays buffered
// events past the client's Last-Event-ID, then relays live events until
// the session closes or the client disconnects.
func handleGet(w http.ResponseWriter, r *http.Request, gateway *service.GatewayService, metrics *Metrics) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		http.Error(w, MCPSessionIDHeader+" header required for SSE", http.StatusBadRequest)
		return
	}

	sess, err := gateway.Sessions().Get(sid)
	if err != nil {
		writeKindError(w, nil, mcp.KindSessionUnknown,
			"session not found", "the session expired or was closed; re-initialize")
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		lastEventID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
	}

	replay, live, err := sess.Subscribe(lastEventID)
	switch {
	case errors.Is(err, session.ErrStreamGap):
		// The resume point fell out of the ring. The stream is
		// established, one STREAM_GAP error event is sent, and the
		// connection closes; the client must re-initialize rather than
		// silently miss events.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set(MCPProtocolVersionHeader, mcp.ProtocolVersion)
		w.Header().Set(MCPSessionIDHeader, sid)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n",
			mcp.NewKindErrorResponse(nil, mcp.KindStreamGap,
				"resume point no longer buffered", "re-initialize the session"))
		flusher.Flush()
		return
	case errors.Is(err, session.ErrSubscribed):
		http.Error(w, "session already has an active SSE consumer", http.StatusConflict)
		return
	case err != nil:
		writeKindError(w, nil, mcp.KindSessionUnknown,
			"session not found", "the session expired or was closed; re-initialize")
		return
	}
	defer sess.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, mcp.ProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sid)
	w.WriteHeader(http.StatusOK)

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for _, ev := range replay {
		writeSSEEvent(w, flusher, ev)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				// Session closed.
				return
			}
			writeSSEEvent(w, flusher, ev)
		}
	}
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, ev session.Event) {
	_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
	flusher.Flush()
}

func handleDelete(w http.ResponseWriter, r *http.Request, gateway *service.GatewayService) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		http.Error(w, MCPSessionIDHeader+" header required", http.StatusBadRequest)
		return
	}

	if err := gateway.Sessions().Close(sid, session.ReasonExplicit); err != nil {
		writeKindError(w, nil, mcp.KindSessionUnknown, "session not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleOptions(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, Authorization, "+MCPSessionIDHeader+", "+MCPProtocolVersionHeader+", Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// writeWireError writes a plain JSON-RPC error (no kind) at HTTP 200.
func writeWireError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(mcp.NewErrorResponse(id, code, message))
}
