// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation and a retry-count header.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts redeliveries of a job message.
const RetryHeader = "X-Retry-Count"

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg serializes v as JSON into a message for subject with trace
// context from ctx injected into its headers.
func NewMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return p.PublishMsg(msg)
}

// Decode unmarshals msg into T and returns a context carrying the
// producer's trace.
func Decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return context.Background(), v, fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	return ctx, v, nil
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Malformed messages are passed to onErr (if set) and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T, *nats.Msg), onErr func(error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := Decode[T](msg)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		handler(ctx, v, msg)
	})
}

// RetryCount reads RetryHeader; missing or malformed values count as zero.
func RetryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Republish sends msg's payload back to its subject with RetryHeader set to retries.
func Republish(ctx context.Context, p Publisher, msg *nats.Msg, retries int) error {
	out := nats.NewMsg(msg.Subject)
	out.Data = msg.Data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(out))
	out.Header.Set(RetryHeader, strconv.Itoa(retries))
	return p.PublishMsg(out)
}
