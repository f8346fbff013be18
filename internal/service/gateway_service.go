package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/mcpclient"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
	"github.com/Aegis-Gate/aegisgate/internal/domain/identity"
	"github.com/Aegis-Gate/aegisgate/internal/domain/rbac"
	"github.com/Aegis-Gate/aegisgate/internal/domain/session"
	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
	"github.com/Aegis-Gate/aegisgate/pkg/mcp"
)

// Result is the gateway's answer to one JSON-RPC POST.
type Result struct {
	// Response is the raw JSON-RPC body to write. Nil when Accepted.
	Response []byte

	// SessionID is set on successful initialize; the handler returns it
	// in the Mcp-Session-Id header.
	SessionID string

	// Accepted marks a notification handled with no body (HTTP 202).
	Accepted bool
}

// GatewayService dispatches client JSON-RPC traffic: initialize,
// ping, tools/list, tools/call, and the initialized notification.
// Origin, identity, and protocol-version checks happen in the HTTP
// layer before dispatch reaches this service.
type GatewayService struct {
	sessions *session.Manager
	registry *RegistryService
	rbac     *RBACService
	guards   *GuardService
	audit    *AuditService
	logger   *slog.Logger

	callTimeout time.Duration
}

// GatewayOption configures GatewayService.
type GatewayOption func(*GatewayService)

// WithCallTimeout bounds one upstream tools/call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(s *GatewayService) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewGatewayService creates the dispatch service.
func NewGatewayService(sessions *session.Manager, registry *RegistryService, rbacSvc *RBACService, guards *GuardService, auditSvc *AuditService, logger *slog.Logger, opts ...GatewayOption) *GatewayService {
	s := &GatewayService{
		sessions:    sessions,
		registry:    registry,
		rbac:        rbacSvc,
		guards:      guards,
		audit:       auditSvc,
		logger:      logger,
		callTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the session manager to the HTTP layer for SSE
// subscribe and DELETE handling.
func (s *GatewayService) Sessions() *session.Manager { return s.sessions }

// Dispatch routes one decoded request. sess is nil for initialize.
func (s *GatewayService) Dispatch(ctx context.Context, sess *session.Session, msg *mcp.Message) *Result {
	if msg.IsNotification() {
		// notifications/initialized and any other client notification
		// are acknowledged without a body.
		return &Result{Accepted: true}
	}

	switch msg.Method() {
	case mcp.MethodInitialize:
		return s.handleInitialize(ctx, msg)
	case mcp.MethodPing:
		return &Result{Response: resultResponse(msg.RawID(), map[string]any{})}
	case mcp.MethodToolsList:
		return s.handleToolsList(ctx, msg)
	case mcp.MethodToolsCall:
		return s.handleToolsCall(ctx, sess, msg)
	default:
		return &Result{Response: mcp.NewErrorResponse(msg.RawID(), mcp.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method()))}
	}
}

func (s *GatewayService) handleInitialize(ctx context.Context, msg *mcp.Message) *Result {
	params := msg.ParseParams()

	requested, _ := params["protocolVersion"].(string)
	if requested != mcp.ProtocolVersion {
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindProtocolVersionMismatch,
			fmt.Sprintf("unsupported protocol version: requested %q, supported %q", requested, mcp.ProtocolVersion),
			mcp.DetailProtocolVersionMismatch)}
	}

	var client session.ClientInfo
	if info, ok := params["clientInfo"].(map[string]interface{}); ok {
		client.Name, _ = info["name"].(string)
		client.Version, _ = info["version"].(string)
	}

	user := UserFromContext(ctx)
	userID := ""
	if user != nil {
		userID = user.ID
	}

	sess, err := s.sessions.Create(mcp.ProtocolVersion, client, userID)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindInternal,
			"failed to create session", "")}
	}

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindSessionInitialized,
		UserID:       userID,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Details:      map[string]interface{}{"client": client.Name},
		Success:      true,
	})

	return &Result{
		SessionID: sess.ID,
		Response: resultResponse(msg.RawID(), map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    s.capabilities(user),
			"serverInfo": map[string]any{
				"name":    "aegis-gate",
				"version": "1.0",
			},
		}),
	}
}

// capabilities summarizes what the caller can reach through the
// aggregated catalog at initialize time. The tool count honors the
// same visibility grants tools/list applies, so an anonymous
// initialize under enforcement reports zero. listChanged is true:
// upstream refresh and registry mutation change the merged catalog at
// any time.
func (s *GatewayService) capabilities(user *identity.User) map[string]any {
	count := 0
	for _, entry := range s.registry.Catalog().Tools() {
		if s.rbac.Enforced() && !s.rbac.CanViewTool(user, rbac.ToolRef{ServerID: entry.ServerID, ToolName: entry.Tool.Name}) {
			continue
		}
		count++
	}
	return map[string]any{
		"tools": map[string]any{
			"listChanged": true,
			"toolCount":   count,
		},
	}
}

// listedTool is one tools/list entry. Routing metadata is only
// included for admin callers.
type listedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ServerID    string          `json:"_server_id,omitempty"`
	AccessRoles []string        `json:"_access_roles,omitempty"`
}

func (s *GatewayService) handleToolsList(ctx context.Context, msg *mcp.Message) *Result {
	user := UserFromContext(ctx)
	if user == nil && s.rbac.Enforced() {
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindAuthRequired,
			"authentication required", "tools/list requires a bearer token")}
	}

	catalog := s.registry.Catalog()
	includeMeta := user != nil && s.rbac.IsAdmin(user)

	tools := make([]listedTool, 0, catalog.Len())
	for _, entry := range catalog.Tools() {
		if s.rbac.Enforced() && !s.rbac.CanViewTool(user, rbac.ToolRef{ServerID: entry.ServerID, ToolName: entry.Tool.Name}) {
			continue
		}
		t := listedTool{
			Name:        entry.Tool.Name,
			Description: entry.Tool.Description,
			InputSchema: entry.Tool.InputSchema,
		}
		if includeMeta {
			t.ServerID = entry.ServerID
			t.AccessRoles = entry.AccessRoles
		}
		tools = append(tools, t)
	}

	s.audit.Emit(&audit.Event{
		Kind:    audit.KindToolsListed,
		UserID:  userIDFromContext(ctx),
		Details: map[string]interface{}{"count": len(tools)},
		Success: true,
	})

	return &Result{Response: resultResponse(msg.RawID(), map[string]any{"tools": tools})}
}

func (s *GatewayService) handleToolsCall(ctx context.Context, sess *session.Session, msg *mcp.Message) *Result {
	user := UserFromContext(ctx)
	if user == nil {
		// Anonymous execution is never allowed, regardless of the
		// rbac_enforce toggle.
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindAuthRequired,
			"authentication required", "tools/call requires a bearer token")}
	}

	name := msg.ToolName()
	if name == "" {
		return &Result{Response: mcp.NewErrorResponse(msg.RawID(), mcp.CodeInvalidParams,
			"missing tool name")}
	}

	entry, err := s.registry.Catalog().Resolve(name, func(t upstream.CatalogTool) bool {
		return s.rbac.CanViewTool(user, rbac.ToolRef{ServerID: t.ServerID, ToolName: t.Tool.Name})
	})
	switch {
	case errors.Is(err, upstream.ErrToolUnknown):
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindToolUnknown,
			"unknown tool", name)}
	case errors.Is(err, upstream.ErrToolAmbiguous):
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindToolAmbiguous,
			"ambiguous tool name", name)}
	case err != nil:
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindInternal,
			"tool resolution failed", "")}
	}

	ref := rbac.ToolRef{ServerID: entry.ServerID, ToolName: entry.Tool.Name}
	if !s.rbac.CanExecuteTool(user, ref) {
		s.auditAuthz(user, ref, false, "no execute grant")
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindAuthzDenied,
			"not authorized to call this tool", name)}
	}

	allowed, err := s.guards.Check(ctx, guard.Input{
		ToolName:  entry.Tool.Name,
		ServerID:  entry.ServerID,
		Arguments: msg.ToolArguments(),
		UserID:    user.ID,
		UserRoles: user.RoleIDs,
	})
	if err != nil {
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindInternal,
			"guard check failed", "")}
	}
	if !allowed {
		s.auditAuthz(user, ref, false, "argument guard rejected the call")
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindAuthzDenied,
			"call rejected by argument guard", name)}
	}
	s.auditAuthz(user, ref, true, "")

	return s.forwardCall(ctx, sess, msg, user, entry)
}

func (s *GatewayService) forwardCall(ctx context.Context, sess *session.Session, msg *mcp.Message, user *identity.User, entry upstream.CatalogTool) *Result {
	client, err := s.registry.Client(entry.ServerID)
	if err != nil {
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindUpstreamError,
			"upstream unavailable", "")}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if sess != nil {
		// Session close aborts the in-flight upstream call.
		stop := context.AfterFunc(sess.Context(), cancel)
		defer stop()
	}

	start := time.Now()
	resp, err := client.Call(callCtx, msg.Raw, func(data []byte) {
		if sess == nil {
			return
		}
		if _, perr := sess.Publish(data); perr != nil {
			s.logger.Warn("failed to publish stream event",
				"session_id", sess.ID, "error", perr)
		}
	})

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindToolCalled,
		UserID:       user.ID,
		ResourceType: "tool",
		ResourceID:   entry.ServerID + ":" + entry.Tool.Name,
		Details: map[string]interface{}{
			"duration_ms": time.Since(start).Milliseconds(),
		},
		Success: err == nil,
	})

	if err != nil {
		s.audit.Emit(&audit.Event{
			Kind:         audit.KindUpstreamError,
			Severity:     audit.SeverityError,
			UserID:       user.ID,
			ResourceType: "server",
			ResourceID:   entry.ServerID,
			Details:      map[string]interface{}{"reason": err.Error()},
		})
		if errors.Is(err, mcpclient.ErrSaturated) {
			return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindUpstreamSaturated,
				"upstream is saturated", "")}
		}
		return &Result{Response: mcp.NewKindErrorResponse(msg.RawID(), mcp.KindUpstreamError,
			"upstream call failed", "")}
	}
	return &Result{Response: resp}
}

func (s *GatewayService) auditAuthz(user *identity.User, ref rbac.ToolRef, granted bool, reason string) {
	kind := audit.KindPermissionGranted
	severity := audit.SeverityInfo
	details := map[string]interface{}{}
	if !granted {
		kind = audit.KindPermissionDenied
		severity = audit.SeverityWarn
		details["reason"] = reason
	}
	s.audit.Emit(&audit.Event{
		Kind:         kind,
		Severity:     severity,
		UserID:       user.ID,
		ResourceType: "tool",
		ResourceID:   ref.ServerID + ":" + ref.ToolName,
		Details:      details,
		Success:      granted,
	})
}

// resultResponse builds a JSON-RPC success envelope.
func resultResponse(id json.RawMessage, result any) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	if err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInternalError, "failed to encode response")
	}
	return body
}
