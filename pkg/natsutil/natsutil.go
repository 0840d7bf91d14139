// Package natsutil provides the queue plumbing: connection setup,
// JetStream stream provisioning with work-queue semantics, and publish
// helpers with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ConnectOptions carry the queue connection settings. Token wins over
// user/password when both are set.
type ConnectOptions struct {
	URL      string
	User     string
	Password string
	Token    string
	Name     string
}

// Connect dials the queue with sensible reconnect behavior.
func Connect(opt ConnectOptions) (*nats.Conn, error) {
	nopts := []nats.Option{
		nats.Name(opt.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if opt.Token != "" {
		nopts = append(nopts, nats.Token(opt.Token))
	} else if opt.User != "" && opt.Password != "" {
		nopts = append(nopts, nats.UserInfo(opt.User, opt.Password))
	}
	nc, err := nats.Connect(opt.URL, nopts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opt.URL, err)
	}
	return nc, nil
}

// StreamOptions are the retention knobs for EnsureStream. A zero MaxBytes
// means unlimited.
type StreamOptions struct {
	MaxAge       time.Duration
	DedupeWindow time.Duration
	MaxBytes     int64
}

// EnsureStream creates the stream if it does not exist: work-queue
// retention, file storage, discard-old. An existing stream is left alone.
func EnsureStream(js nats.JetStreamContext, name string, subjects []string, opt StreamOptions) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Discard:    nats.DiscardOld,
		MaxAge:     opt.MaxAge,
		MaxBytes:   opt.MaxBytes,
		Duplicates: opt.DedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
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

// NewMsg builds a message with trace context from ctx injected into its
// headers. A non-empty msgID is set as Nats-Msg-Id for broker-side dedupe.
func NewMsg(ctx context.Context, subject string, data []byte, msgID string) *nats.Msg {
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if msgID != "" {
		if msg.Header == nil {
			msg.Header = make(nats.Header)
		}
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	return msg
}

// Publish sends a message through JetStream with a bounded timeout.
func Publish(ctx context.Context, js nats.JetStreamContext, msg *nats.Msg, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := js.PublishMsg(msg, nats.Context(pctx)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// ExtractContext recovers trace context from a received message's headers.
func ExtractContext(ctx context.Context, msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, (*natsHeaderCarrier)(msg))
}
