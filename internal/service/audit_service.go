package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/audit"
)

// AuditWriter is the persistence the audit service writes through.
type AuditWriter interface {
	AppendBatch(ctx context.Context, events []*audit.Event) ([]int64, error)
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, error)
	Stats(ctx context.Context, since time.Time) (*audit.Stats, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditService provides async audit logging with a buffered channel and
// a background batch writer, plus the retention sweep. Emitting never
// blocks the request hot path; under sustained overload events are
// dropped and counted.
type AuditService struct {
	store  AuditWriter
	logger *slog.Logger

	events        chan *audit.Event
	channelSize   int
	batchSize     int
	flushInterval time.Duration
	retention     time.Duration
	sweepInterval time.Duration

	dropCount atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithAuditChannelSize sets the event channel buffer size.
func WithAuditChannelSize(n int) AuditOption {
	return func(s *AuditService) {
		if n > 0 {
			s.channelSize = n
		}
	}
}

// WithAuditBatchSize sets the number of events written per batch.
func WithAuditBatchSize(n int) AuditOption {
	return func(s *AuditService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithAuditFlushInterval sets how often a partial batch is flushed.
func WithAuditFlushInterval(d time.Duration) AuditOption {
	return func(s *AuditService) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithAuditRetention sets how long events are kept before the sweep
// deletes them. Zero disables the sweep.
func WithAuditRetention(d time.Duration) AuditOption {
	return func(s *AuditService) { s.retention = d }
}

// NewAuditService creates the service. Call Start to launch the
// writer, Stop to flush and shut down.
func NewAuditService(store AuditWriter, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:         store,
		logger:        logger,
		channelSize:   1000,
		batchSize:     100,
		flushInterval: time.Second,
		retention:     90 * 24 * time.Hour,
		sweepInterval: time.Hour,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = make(chan *audit.Event, s.channelSize)
	return s
}

// Start launches the batch writer and, when retention is enabled, the
// sweep loop.
func (s *AuditService) Start() {
	s.wg.Add(1)
	go s.writer()

	if s.retention > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
}

// Stop flushes pending events and stops the background goroutines.
func (s *AuditService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		close(s.events)
	})
	s.wg.Wait()
}

// Emit records an audit event. Details are redacted here so no caller
// can accidentally persist a secret.
//
// Routine (info) events go through the buffered channel; drops under
// overload are counted and logged, never blocking. Warn and error
// events are the security trail — denials, rejections, bypasses — and
// are written through to the store before Emit returns so overload
// cannot silently lose them.
func (s *AuditService) Emit(e *audit.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = audit.SeverityInfo
	}
	e.Details = audit.Redact(e.Details)

	if e.Severity != audit.SeverityInfo {
		s.writeThrough(e)
		return
	}

	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.events <- e:
	default:
		drops := s.dropCount.Add(1)
		s.logger.Warn("audit event dropped",
			"kind", e.Kind,
			"total_drops", drops)
	}
}

// writeThrough persists one event synchronously, bypassing the batch
// channel.
func (s *AuditService) writeThrough(e *audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.AppendBatch(ctx, []*audit.Event{e}); err != nil {
		s.logger.Error("audit write failed",
			"kind", e.Kind, "severity", e.Severity, "error", err)
	}
}

// Dropped returns the total number of dropped events.
func (s *AuditService) Dropped() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the number of queued, unwritten events.
func (s *AuditService) ChannelDepth() int { return len(s.events) }

// ChannelCapacity returns the event channel's buffer size.
func (s *AuditService) ChannelCapacity() int { return cap(s.events) }

// Query reads persisted events.
func (s *AuditService) Query(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return s.store.Query(ctx, f)
}

// Stats aggregates persisted events over the window ending now.
func (s *AuditService) Stats(ctx context.Context, window time.Duration) (*audit.Stats, error) {
	stats, err := s.store.Stats(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	stats.Window = window
	return stats, nil
}

func (s *AuditService) writer() {
	defer s.wg.Done()

	batch := make([]*audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.store.AppendBatch(ctx, batch); err != nil {
			s.logger.Error("audit flush failed", "error", err, "events", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *AuditService) sweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.store.DeleteBefore(ctx, time.Now().Add(-s.retention))
			cancel()
			if err != nil {
				s.logger.Error("audit retention sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("audit retention sweep", "deleted", n)
			}
		}
	}
}
