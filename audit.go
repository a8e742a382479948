package authz

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/authz/logger"
)

const defaultAuditBuffer = 1024

// AuditEntry is one recorded authorization decision. Entries carry the full
// request and decision, including the trace, so an operator can reconstruct
// why access was granted or refused. Reasons are written for auditors, not
// end users; do not echo them in API responses.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id"`
	Request   *AuthorizationRequest  `json:"request"`
	Decision  *AuthorizationDecision `json:"decision"`
}

// AuditSink receives decision records. Implementations must be safe for
// concurrent use; the engine writes from a single background goroutine but
// nothing stops a sink from being shared.
type AuditSink interface {
	Write(ctx context.Context, entry *AuditEntry) error
}

// auditPipeline decouples decision latency from sink latency. Entries are
// queued on a buffered channel and drained by one goroutine; when the queue
// is full the entry is dropped and counted rather than blocking Evaluate.
type auditPipeline struct {
	sink    AuditSink
	queue   chan *AuditEntry
	log     logger.Logger
	metrics *Metrics

	closeOnce sync.Once
	done      chan struct{}
}

func newAuditPipeline(sink AuditSink, buffer int, log logger.Logger, metrics *Metrics) *auditPipeline {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	p := &auditPipeline{
		sink:    sink,
		queue:   make(chan *AuditEntry, buffer),
		log:     log,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go p.drain()
	return p
}

func (p *auditPipeline) emit(_ context.Context, req *AuthorizationRequest, decision *AuthorizationDecision) {
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: decision.EvaluatedAt,
		TenantID:  req.Subject.TenantID,
		Request:   req,
		Decision:  decision,
	}
	select {
	case p.queue <- entry:
	default:
		p.metrics.auditDrop()
		p.log.Error("audit queue full, entry dropped", "tenant", entry.TenantID, "user", req.Subject.UserID)
	}
}

func (p *auditPipeline) drain() {
	defer close(p.done)
	for entry := range p.queue {
		if err := p.sink.Write(context.Background(), entry); err != nil {
			p.log.Error("audit write failed", "error", err, "entry", entry.ID)
		}
	}
}

// close stops intake, flushes queued entries and waits for the drain
// goroutine to finish.
func (p *auditPipeline) close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		<-p.done
	})
}
