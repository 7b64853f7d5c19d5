package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing ledger directives to NATS.
type Publisher interface {
	// PublishDirective publishes a single directive event to JetStream.
	PublishDirective(ctx context.Context, event *DirectiveEvent) error

	// PublishDirectives publishes every directive of a conversion.
	PublishDirectives(ctx context.Context, directives []ledger.Directive) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes directive events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for ledger directives.
	StreamName = "LEDGER"

	// SubjectPrefix is followed by the directive kind.
	SubjectPrefix = "ledger."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained (90 days by default).
	StreamRetention = 90 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("beanroast-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)
	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Ledger directives produced by conversions",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishDirective publishes a single directive event.
func (p *JetStreamPublisher) PublishDirective(ctx context.Context, event *DirectiveEvent) error {
	subject := event.Subject()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal directive event: %w", err)
	}

	start := time.Now()
	var opts []jetstream.PublishOpt
	if event.RunID != "" {
		opts = append(opts, jetstream.WithMsgID(event.MsgID()))
	}
	_, err = p.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		p.metrics.RecordNATSPublish(subject, "error", time.Since(start))
		return fmt.Errorf("failed to publish directive: %w", err)
	}
	p.metrics.RecordNATSPublish(subject, "success", time.Since(start))

	p.logger.DebugContext(ctx, "published directive event",
		"subject", subject,
		"date", event.Date,
		"tx", event.Tx,
	)
	return nil
}

// PublishDirectives publishes every directive, continuing past individual
// failures. It returns an error naming how many directives were lost.
func (p *JetStreamPublisher) PublishDirectives(ctx context.Context, directives []ledger.Directive) error {
	return publishAll(ctx, p, p.logger, directives)
}

// publishAll is shared by the JetStream and mock publishers.
func publishAll(ctx context.Context, p Publisher, logger *slog.Logger, directives []ledger.Directive) error {
	if len(directives) == 0 {
		return nil
	}

	runID := uuid.New().String()
	failed := 0
	for i, d := range directives {
		event := FromDirective(d)
		event.RunID = runID
		event.Seq = i
		event.Total = len(directives)
		if err := p.PublishDirective(ctx, event); err != nil {
			logger.ErrorContext(ctx, "failed to publish directive in batch",
				"kind", event.Kind,
				"date", event.Date,
				"error", err,
			)
			failed++
		}
	}

	logger.DebugContext(ctx, "published directive batch",
		"run_id", runID,
		"count", len(directives),
		"failed", failed,
	)
	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d directives", failed, len(directives))
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
