package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
)

const subjectPrefix = "dispatchd.events"

// NATSPublisher publishes events to a NATS subject per run:
// dispatchd.events.<run_id>. It is an optional sink; the orchestrator
// works identically without it. A circuit breaker skips publishes
// while the broker keeps refusing them, so a dead broker costs one
// failed write per cooldown instead of one per event.
type NATSPublisher struct {
	conn    *nats.Conn
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewNATSPublisher connects to the given NATS URL.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url, nats.Name("dispatchd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{
		conn:    conn,
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second),
		logger:  logger,
	}, nil
}

// Publish serializes the event as JSON and publishes it. Failures are
// logged, not propagated; event delivery is best-effort.
func (p *NATSPublisher) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if !p.breaker.Allow() {
		return
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, event.RunID)
	if err := p.conn.Publish(subject, data); err != nil {
		p.breaker.RecordFailure()
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	p.breaker.RecordSuccess()
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
