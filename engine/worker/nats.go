package worker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsMsg adapts *nats.Msg to the Msg interface.
type natsMsg struct{ m *nats.Msg }

func (n natsMsg) Subject() string { return n.m.Subject }
func (n natsMsg) Data() []byte    { return n.m.Data }

func (n natsMsg) Deliveries() uint64 {
	md, err := n.m.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

func (n natsMsg) Ack() error { return n.m.Ack() }
func (n natsMsg) Nak() error { return n.m.Nak() }

type subscriptionFetcher struct{ sub *nats.Subscription }

func (s subscriptionFetcher) Fetch(batch int, maxWait time.Duration) ([]Msg, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		return nil, err
	}
	out := make([]Msg, len(msgs))
	for i, m := range msgs {
		out[i] = natsMsg{m}
	}
	return out, nil
}

// Subscribe binds a durable pull consumer on the stream and returns a
// Fetcher for it.
func Subscribe(js nats.JetStreamContext, stream, subject, durable string) (Fetcher, error) {
	sub, err := js.PullSubscribe(subject, durable, nats.BindStream(stream))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s on %s: %w", durable, stream, err)
	}
	return subscriptionFetcher{sub: sub}, nil
}
