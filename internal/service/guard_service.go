package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Aegis-Gate/aegisgate/internal/adapter/outbound/sqlite"
	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
	"github.com/Aegis-Gate/aegisgate/internal/domain/guard"
)

// GuardStore is the persistence behind the guard service.
type GuardStore interface {
	Put(ctx context.Context, g guard.Guard) error
	Delete(ctx context.Context, serverID, toolName string) error
	Get(ctx context.Context, serverID, toolName string) (*guard.Guard, error)
	List(ctx context.Context) ([]guard.Guard, error)
}

// compiledGuard caches a compiled program with the expression it came
// from, so a rewritten guard recompiles.
type compiledGuard struct {
	expression string
	program    cel.Program
}

// GuardService stores and evaluates CEL argument guards. Programs are
// compiled once per expression and cached; a missing guard allows the
// call, an evaluation error denies it.
type GuardService struct {
	store     GuardStore
	evaluator *guard.Evaluator
	audit     *AuditService
	logger    *slog.Logger

	mu       sync.RWMutex
	programs map[guardKey]compiledGuard
}

type guardKey struct {
	serverID string
	toolName string
}

// NewGuardService creates the guard service.
func NewGuardService(store GuardStore, auditSvc *AuditService, logger *slog.Logger) (*GuardService, error) {
	evaluator, err := guard.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &GuardService{
		store:     store,
		evaluator: evaluator,
		audit:     auditSvc,
		logger:    logger,
		programs:  make(map[guardKey]compiledGuard),
	}, nil
}

// Check evaluates the guard for (server, tool), if one exists. Returns
// whether the call may proceed.
func (s *GuardService) Check(ctx context.Context, in guard.Input) (bool, error) {
	g, err := s.store.Get(ctx, in.ServerID, in.ToolName)
	if errors.Is(err, sqlite.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	prg, err := s.program(in.ServerID, in.ToolName, g.Expression)
	if err != nil {
		s.logger.Error("guard compilation failed, denying call",
			"server_id", in.ServerID, "tool", in.ToolName, "error", err)
		return false, err
	}

	allowed, err := s.evaluator.Evaluate(prg, in)
	if err != nil {
		s.logger.Warn("guard evaluation failed, denying call",
			"server_id", in.ServerID, "tool", in.ToolName, "error", err)
		return false, nil
	}
	return allowed, nil
}

func (s *GuardService) program(serverID, toolName, expression string) (cel.Program, error) {
	key := guardKey{serverID: serverID, toolName: toolName}

	s.mu.RLock()
	cached, ok := s.programs[key]
	s.mu.RUnlock()
	if ok && cached.expression == expression {
		return cached.program, nil
	}

	prg, err := s.evaluator.Compile(expression)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.programs[key] = compiledGuard{expression: expression, program: prg}
	s.mu.Unlock()
	return prg, nil
}

// Put validates and stores a guard.
func (s *GuardService) Put(ctx context.Context, g guard.Guard) error {
	if err := s.evaluator.ValidateExpression(g.Expression); err != nil {
		return err
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	if err := s.store.Put(ctx, g); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.programs, guardKey{serverID: g.ServerID, toolName: g.ToolName})
	s.mu.Unlock()

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindConfigChanged,
		UserID:       userIDFromContext(ctx),
		ResourceType: "guard",
		ResourceID:   g.ServerID + ":" + g.ToolName,
		Success:      true,
	})
	return nil
}

// Delete removes a guard.
func (s *GuardService) Delete(ctx context.Context, serverID, toolName string) error {
	if err := s.store.Delete(ctx, serverID, toolName); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.programs, guardKey{serverID: serverID, toolName: toolName})
	s.mu.Unlock()

	s.audit.Emit(&audit.Event{
		Kind:         audit.KindConfigChanged,
		UserID:       userIDFromContext(ctx),
		ResourceType: "guard",
		ResourceID:   serverID + ":" + toolName,
		Success:      true,
	})
	return nil
}

// List returns all stored guards.
func (s *GuardService) List(ctx context.Context) ([]guard.Guard, error) {
	return s.store.List(ctx)
}
