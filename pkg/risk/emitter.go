package risk

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var emitterDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trustgate_emitter_dropped_total",
	Help: "Decision/session log events dropped because the emit queue was full",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(emitterDropsTotal)
}

// DecisionRecord is one scored decision for the audit log.
type DecisionRecord struct {
	UserID     string
	TenantID   string
	RequestID  string
	SessionID  string
	Decision   string
	Confidence float64
	RiskScore  float64
	Warnings   []string
	CreatedAt  time.Time
}

// SessionFeatureRecord is the feature snapshot retained for model
// retraining.
type SessionFeatureRecord struct {
	UserID    string
	SessionID string
	Features  map[string]float64
	CreatedAt time.Time
}

// DecisionLog and SessionFeatureLog are write-only sinks. Failures
// are logged, never propagated to the scoring path.
type DecisionLog interface {
	InsertDecision(ctx context.Context, rec *DecisionRecord) error
}

type SessionFeatureLog interface {
	InsertSessionFeatures(ctx context.Context, rec *SessionFeatureRecord) error
}

type emitEvent struct {
	decision *DecisionRecord
	features *SessionFeatureRecord
}

// Emitter decouples decision latency from secondary-store health: a
// bounded channel drained by one goroutine, dropping on overflow with
// a counter rather than blocking the scoring call.
type Emitter struct {
	decisions DecisionLog
	features  SessionFeatureLog
	ch        chan emitEvent

	// mu fences producers against Close: emits hold the read lock
	// while sending so the channel cannot close under them.
	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

func NewEmitter(decisions DecisionLog, features SessionFeatureLog, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		decisions: decisions,
		features:  features,
		ch:        make(chan emitEvent, buffer),
		done:      make(chan struct{}),
	}
}

// Start launches the drain goroutine. Safe to call once; writes before
// Start queue up to the buffer size.
func (e *Emitter) Start() {
	e.startOnce.Do(func() { go e.drain() })
}

// Close stops accepting events and waits for the queue to flush.
// Emits arriving after Close are counted as drops.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
		<-e.done
	})
}

// EmitDecision enqueues without blocking; a full or closed queue drops
// the event and counts it.
func (e *Emitter) EmitDecision(rec *DecisionRecord) {
	e.emit(emitEvent{decision: rec}, "decision")
}

func (e *Emitter) EmitSessionFeatures(rec *SessionFeatureRecord) {
	e.emit(emitEvent{features: rec}, "session_features")
}

func (e *Emitter) emit(ev emitEvent, kind string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		emitterDropsTotal.WithLabelValues(kind).Inc()
		return
	}
	select {
	case e.ch <- ev:
	default:
		emitterDropsTotal.WithLabelValues(kind).Inc()
	}
}

func (e *Emitter) drain() {
	defer close(e.done)
	for ev := range e.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch {
		case ev.decision != nil && e.decisions != nil:
			if err := e.decisions.InsertDecision(ctx, ev.decision); err != nil {
				log.Printf("emitter: decision log insert failed: %v", err)
			}
		case ev.features != nil && e.features != nil:
			if err := e.features.InsertSessionFeatures(ctx, ev.features); err != nil {
				log.Printf("emitter: session feature insert failed: %v", err)
			}
		}
		cancel()
	}
}
