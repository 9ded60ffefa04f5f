package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/eventsphere/kbassist/engine/domain"
	"github.com/eventsphere/kbassist/pkg/natsutil"
)

const (
	// Subject carries Document jobs.
	Subject = "kb.ingest"
	// DLQSubject receives jobs that kept failing.
	DLQSubject = "kb.ingest.dlq"
	// MaxRetries before a job goes to the DLQ.
	MaxRetries = 3
)

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Document Document `json:"document"`
	Error    string   `json:"error"`
	Retries  int      `json:"retries"`
}

// Consumer runs Document jobs from NATS through a Pipeline.
type Consumer struct {
	pipeline *Pipeline
	pub      natsutil.Publisher
	logger   *slog.Logger
}

// NewConsumer creates a Consumer that republishes retries and dead letters through pub.
func NewConsumer(p *Pipeline, pub natsutil.Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{pipeline: p, pub: pub, logger: logger}
}

// Start subscribes to Subject on nc.
func (c *Consumer) Start(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, Subject, c.Handle, func(err error) {
		c.logger.Error("ingest: malformed job", "err", err)
	})
}

// Handle processes one job. Validation failures go straight to the DLQ;
// other failures are republished until MaxRetries.
func (c *Consumer) Handle(ctx context.Context, doc Document, msg *nats.Msg) {
	defer func() {
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	}()

	sum, err := c.pipeline.ReplaceDocument(ctx, doc)
	if err == nil {
		c.logger.Info("ingest: job done", "source_id", doc.SourceID, "stored", sum.Stored, "skipped", sum.Skipped)
		return
	}

	retries := natsutil.RetryCount(msg) + 1
	c.logger.Error("ingest: job failed", "source_id", doc.SourceID, "retry", retries, "err", err)

	var verr *domain.ValidationError
	if retries >= MaxRetries || errors.As(err, &verr) {
		dl := DeadLetter{Document: doc, Error: err.Error(), Retries: retries}
		if perr := natsutil.Publish(ctx, c.pub, DLQSubject, dl); perr != nil {
			c.logger.Error("ingest: DLQ publish failed", "err", perr)
		}
		return
	}
	if perr := natsutil.Republish(ctx, c.pub, msg, retries); perr != nil {
		c.logger.Error("ingest: retry publish failed", "err", perr)
	}
}

// PublishDocuments enqueues docs as jobs on Subject.
func PublishDocuments(ctx context.Context, pub natsutil.Publisher, docs []Document) error {
	for _, d := range docs {
		if err := natsutil.Publish(ctx, pub, Subject, d); err != nil {
			return err
		}
	}
	return nil
}
