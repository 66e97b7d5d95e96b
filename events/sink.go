// Package events streams pipeline lifecycle events to Kafka. The sink is a
// best-effort tap: publishing never blocks the dispatch path, and events
// are dropped with a counter when the broker cannot keep up.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"

	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/types"
)

// Event kinds carried in the envelope.
const (
	EventTransferQueued   = "transfer.queued"
	EventBatchProcessed   = "batch.processed"
	EventTransferTerminal = "transfer.terminal"
)

const bufferSize = 4096

// Envelope wraps every published event.
type Envelope struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Config locates the Kafka cluster.
type Config struct {
	Brokers []string
	Topic   string
}

// Sink publishes pipeline events to a Kafka topic. It implements the
// dispatch observer contract; per-transfer events are keyed by queue ID so
// one transfer's history lands in one partition, in order.
type Sink struct {
	topic    string
	producer sarama.AsyncProducer

	events   chan *sarama.ProducerMessage
	dropped  atomic.Int64
	failures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects an async producer to the cluster. Delivery uses local acks,
// snappy compression and time-based flushing, trading a little latency for
// batch efficiency on the wire.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "ftgate"
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 500 * time.Millisecond
	sc.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("start kafka producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic), nil
}

// NewWithProducer wraps an existing producer. The sink takes ownership and
// closes it on Stop.
func NewWithProducer(producer sarama.AsyncProducer, topic string) *Sink {
	return &Sink{
		topic:    topic,
		producer: producer,
		events:   make(chan *sarama.ProducerMessage, bufferSize),
	}
}

// Start launches the forwarding loops. Calling Start on a running sink is a
// no-op.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.forward(ctx)
	go s.drainErrors()
	log.Infow("event sink started", "topic", s.topic)
}

// Stop flushes buffered events and closes the producer.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	if n := s.dropped.Load(); n > 0 {
		log.Warnw("event sink dropped events", "count", n)
	}
}

// forward moves buffered events into the producer. On shutdown it pushes
// whatever is still buffered, then closes the producer, which ends the
// error drain.
func (s *Sink) forward(ctx context.Context) {
	defer s.wg.Done()
	defer s.producer.AsyncClose()
	for {
		select {
		case <-ctx.Done():
			s.flushPending()
			return
		case msg := <-s.events:
			select {
			case s.producer.Input() <- msg:
			case <-ctx.Done():
				s.producer.Input() <- msg
				s.flushPending()
				return
			}
		}
	}
}

func (s *Sink) flushPending() {
	for {
		select {
		case msg := <-s.events:
			s.producer.Input() <- msg
		default:
			return
		}
	}
}

func (s *Sink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		n := s.failures.Add(1)
		if n == 1 || n%100 == 0 {
			log.Warnw("event publish failed", "topic", perr.Msg.Topic,
				"failures", n, "err", perr.Err.Error())
		}
	}
}

// publish enqueues one event without blocking. Overflow drops the event.
func (s *Sink) publish(kind, key string, payload any) {
	data, err := json.Marshal(Envelope{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Warnw("event not serializable", "kind", kind, "err", err.Error())
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case s.events <- msg:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warnw("event buffer full, dropping", "kind", kind, "dropped", n)
		}
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failures is the number of events the broker rejected.
func (s *Sink) Failures() int64 { return s.failures.Load() }

// OnTransferQueued publishes an admission event.
func (s *Sink) OnTransferQueued(qt *types.QueuedTransfer) {
	s.publish(EventTransferQueued, qt.ID.String(), queuedPayload{
		ID:         qt.ID.String(),
		ReceiverID: qt.Request.ReceiverID,
		Amount:     qt.Request.Amount,
		Memo:       qt.Request.Memo,
		Priority:   qt.Priority,
		EnqueuedAt: qt.EnqueuedAt,
	})
}

// OnBatchProcessed publishes batch-level statistics.
func (s *Sink) OnBatchProcessed(bm types.BatchMetrics) {
	s.publish(EventBatchProcessed, EventBatchProcessed, batchPayload{
		Size:       bm.Size,
		Successful: bm.Successful,
		Failed:     bm.Failed,
		DurationMs: bm.Duration.Milliseconds(),
		Timestamp:  bm.Timestamp,
	})
}

// OnTransferTerminal publishes the final outcome of a transfer.
func (s *Sink) OnTransferTerminal(out types.Outcome) {
	s.publish(EventTransferTerminal, out.ID.String(), terminalPayload{
		ID:          out.ID.String(),
		Status:      string(out.Status),
		ReceiverID:  out.Request.ReceiverID,
		Amount:      out.Request.Amount,
		TxHash:      out.TxHash,
		ErrorKind:   string(out.ErrorKind),
		ErrorDetail: out.ErrorDetail,
		Attempts:    out.Attempts,
		DurationMs:  out.Duration.Milliseconds(),
		FinishedAt:  out.FinishedAt,
	})
}

type queuedPayload struct {
	ID         string    `json:"queueId"`
	ReceiverID string    `json:"receiverId"`
	Amount     string    `json:"amount"`
	Memo       string    `json:"memo,omitempty"`
	Priority   float64   `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type batchPayload struct {
	Size       int       `json:"size"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

type terminalPayload struct {
	ID          string    `json:"queueId"`
	Status      string    `json:"status"`
	ReceiverID  string    `json:"receiverId"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Attempts    int       `json:"attempts"`
	DurationMs  int64     `json:"durationMs"`
	FinishedAt  time.Time `json:"finishedAt"`
}
