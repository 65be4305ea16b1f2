package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const deadLetterSuffix = "dead"

// classifyNATSError retries on broker unavailability only.
var classifyNATSError = resilience.SentinelClassifier(
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrNoResponders,
)

// Queue carries pipeline jobs over a JetStream work-queue stream, one durable pull consumer per stage.
type Queue struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	stream        string
	subjectPrefix string
	maxDeliver    int
	maxAckPending int
	ackWait       time.Duration
	retryDelay    time.Duration
	fetchWait     time.Duration
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	Stream               string
	SubjectPrefix        string
	MaxDeliver           int
	MaxAckPending        int
	AckWait              time.Duration
	RetryDelay           time.Duration
	FetchWait            time.Duration
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("hybrid-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := &Queue{
		conn:          conn,
		js:            js,
		stream:        withDefault(options.Stream, "INGEST"),
		subjectPrefix: withDefault(options.SubjectPrefix, "ingest"),
		maxDeliver:    positiveOr(options.MaxDeliver, 3),
		maxAckPending: positiveOr(options.MaxAckPending, 1),
		ackWait:       durationOr(options.AckWait, 10*time.Minute),
		retryDelay:    durationOr(options.RetryDelay, 5*time.Second),
		fetchWait:     durationOr(options.FetchWait, 5*time.Second),
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}
	if err := q.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Notifier shares the queue connection and publishes on core NATS.
func (q *Queue) Notifier(subject string) *Notifier {
	return NewNotifier(q.conn, subject, q.executor)
}

func (q *Queue) subject(queue ports.Queue) string {
	return q.subjectPrefix + "." + string(queue)
}

func (q *Queue) deadLetterSubject() string {
	return q.subjectPrefix + "." + deadLetterSuffix
}

func (q *Queue) ensureStream() error {
	_, err := q.js.StreamInfo(q.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", q.stream, err)
	}
	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.subjectPrefix + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", q.stream, err)
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, queue ports.Queue, msg domain.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	subject := q.subject(queue)
	return resilience.Run(ctx, q.executor, "nats.publish", func(callCtx context.Context) error {
		// MsgId lets the stream drop a second publish of the same job inside its dedup window.
		if _, err := q.js.Publish(subject, data, nats.Context(callCtx), nats.MsgId(msg.DocID+":"+string(queue))); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}, classifyNATSError)
}

// Consume pulls one job at a time from queue until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, queue ports.Queue, handler ports.JobHandler) error {
	subject := q.subject(queue)
	sub, err := q.js.PullSubscribe(subject, q.stream+"-"+string(queue),
		nats.BindStream(q.stream),
		nats.AckExplicit(),
		nats.AckWait(q.ackWait),
		nats.MaxDeliver(q.maxDeliver),
		nats.MaxAckPending(q.maxAckPending),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	q.logger.Info("queue_consume_started", "subject", subject, "max_deliver", q.maxDeliver)

	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, q.fetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			q.logger.Warn("queue_fetch_failed", "subject", subject, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(q.retryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			q.handle(ctx, queue, msg, handler)
		}
	}
	return nil
}

type ackAction int

const (
	ackDone ackAction = iota
	ackRetry
	ackDeadLetter
	ackRelease
)

// decideAck chooses what to do with a delivery after the handler ran.
// Only temporary failures are redelivered, and never past the final attempt.
// A failure while the consumer is stopping is released for redelivery untouched.
func decideAck(err error, final, stopping bool) ackAction {
	switch {
	case err == nil:
		return ackDone
	case stopping:
		return ackRelease
	case domain.IsKind(err, domain.ErrTemporary) && !final:
		return ackRetry
	default:
		return ackDeadLetter
	}
}

type progressReporter interface {
	InProgress(opts ...nats.AckOpt) error
}

// keepAlive resets the ack timer every interval until stop is called, so long jobs
// are not redelivered while still running.
func keepAlive(msg progressReporter, interval time.Duration, onErr func(error)) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (q *Queue) handle(ctx context.Context, queue ports.Queue, msg *nats.Msg, handler ports.JobHandler) {
	attempt := 1
	var enqueuedAt time.Time
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
		enqueuedAt = meta.Timestamp
	}
	delivery := ports.Delivery{Attempt: attempt, Final: attempt >= q.maxDeliver, EnqueuedAt: enqueuedAt}

	var job domain.JobMessage
	var err error
	if decodeErr := json.Unmarshal(msg.Data, &job); decodeErr != nil {
		err = domain.WrapError(domain.ErrInvalidInput, "decode job", decodeErr)
	} else {
		stop := keepAlive(msg, q.ackWait/2, func(progressErr error) {
			q.logger.Warn("queue_in_progress_failed", "queue", queue, "doc_id", job.DocID, "error", progressErr)
		})
		err = handler(ctx, job, delivery)
		stop()
	}

	switch decideAck(err, delivery.Final, ctx.Err() != nil) {
	case ackDone:
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warn("queue_ack_failed", "queue", queue, "doc_id", job.DocID, "error", ackErr)
		}
	case ackRetry:
		delay := q.retryDelay * time.Duration(attempt)
		q.logger.Warn("queue_job_retry", "queue", queue, "doc_id", job.DocID, "attempt", attempt, "delay", delay.String(), "error", err)
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			q.logger.Warn("queue_nak_failed", "queue", queue, "doc_id", job.DocID, "error", nakErr)
		}
	case ackRelease:
		q.logger.Info("queue_job_released", "queue", queue, "doc_id", job.DocID, "attempt", attempt, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			q.logger.Warn("queue_nak_failed", "queue", queue, "doc_id", job.DocID, "error", nakErr)
		}
	case ackDeadLetter:
		q.logger.Error("queue_job_dead_lettered", "queue", queue, "doc_id", job.DocID, "attempt", attempt, "error", err)
		if dlqErr := q.publishDeadLetter(ctx, queue, msg.Data, attempt, err); dlqErr != nil {
			q.logger.Error("queue_dead_letter_failed", "queue", queue, "doc_id", job.DocID, "error", dlqErr)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warn("queue_ack_failed", "queue", queue, "doc_id", job.DocID, "error", ackErr)
		}
	}
}

// DeadLetter is what lands on the dead-letter subject.
type DeadLetter struct {
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

func newDeadLetter(queue ports.Queue, payload []byte, attempts int, cause error) DeadLetter {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		raw = quoted
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetter{
		Queue:    string(queue),
		Payload:  raw,
		Attempts: attempts,
		Error:    msg,
		FailedAt: time.Now().UTC(),
	}
}

func (q *Queue) publishDeadLetter(ctx context.Context, queue ports.Queue, payload []byte, attempts int, cause error) error {
	data, err := json.Marshal(newDeadLetter(queue, payload, attempts, cause))
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := q.js.Publish(q.deadLetterSubject(), data, nats.Context(ctx)); err != nil {
		return resilience.WrapTemporary("nats dead letter", fmt.Errorf("publish dead letter: %w", err), classifyNATSError)
	}
	return nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
