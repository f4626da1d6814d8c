// Package uplink forwards bus events to an MQTT broker. Events are encoded
// on the publisher's goroutine, queued (dropping when the queue is full) and
// sent from a single worker.
package uplink

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"devicecore-go/bus"
	"devicecore-go/x/timex"

	"github.com/sirupsen/logrus"
)

// Publisher is the broker seam. *Client satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

type Config struct {
	DeviceID    string
	TopicPrefix string // "devicecore" when empty
	QoS         byte
	QueueLen    int // 64 when zero
	// Kinds limits forwarding; nil forwards every kind.
	Kinds []bus.Kind
	Now   func() int64 // Unix ms; timex.NowMs when nil
	Log   *logrus.Entry
}

// Message is the JSON document published per event.
type Message struct {
	Kind    string `json:"kind"`
	TsMs    int64  `json:"ts_ms"`
	Payload any    `json:"payload"`
}

type Stats struct {
	Queued    uint64 `json:"queued"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type outbound struct {
	topic string
	body  []byte
}

type Service struct {
	pub Publisher
	cfg Config
	log *logrus.Entry
	q   chan outbound

	queued, published, dropped, failed atomic.Uint64
}

// New builds the service and subscribes it to the configured kinds. The
// caller keeps the returned value alive and runs Run.
func New(b *bus.Bus, pub Publisher, cfg Config) *Service {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "devicecore"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.Now == nil {
		cfg.Now = timex.NowMs
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		pub: pub,
		cfg: cfg,
		log: log.WithField("component", "uplink"),
		q:   make(chan outbound, cfg.QueueLen),
	}
	kinds := cfg.Kinds
	if kinds == nil {
		kinds = bus.Kinds()
	}
	for _, k := range kinds {
		b.Subscribe(k, bus.WeakRef(s))
	}
	return s
}

// Topic returns the topic events of kind k are published on.
func (s *Service) Topic(k bus.Kind) string {
	return s.cfg.TopicPrefix + "/" + s.cfg.DeviceID + "/events/" + k.String()
}

// HandleEvent runs on the publisher's goroutine and never blocks.
func (s *Service) HandleEvent(ev bus.Event) {
	body, err := json.Marshal(Message{Kind: ev.Kind.String(), TsMs: s.cfg.Now(), Payload: payloadValue(ev.Payload)})
	if err != nil {
		s.failed.Add(1)
		s.log.WithError(err).WithField("kind", ev.Kind.String()).Warn("encode failed")
		return
	}
	select {
	case s.q <- outbound{topic: s.Topic(ev.Kind), body: body}:
		s.queued.Add(1)
	default:
		// drop if the broker is slow
		s.dropped.Add(1)
	}
}

// payloadValue maps a payload to its natural JSON form. Binary payloads
// become base64 strings.
func payloadValue(p bus.Payload) any {
	switch p.Tag() {
	case bus.TagInt:
		v, _ := p.Int()
		return v
	case bus.TagFloat:
		v, _ := p.Float()
		return v
	case bus.TagBool:
		v, _ := p.Bool()
		return v
	case bus.TagText:
		return p.Text()
	case bus.TagBinary:
		return p.Bytes()
	default:
		return nil
	}
}

// Run publishes queued events until ctx is cancelled, then sends whatever
// is already queued.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-s.q:
					s.send(m)
				default:
					return
				}
			}
		case m := <-s.q:
			s.send(m)
		}
	}
}

func (s *Service) send(m outbound) {
	if err := s.pub.Publish(m.topic, s.cfg.QoS, false, m.body); err != nil {
		s.failed.Add(1)
		s.log.WithError(err).WithField("topic", m.topic).Warn("publish failed")
		return
	}
	s.published.Add(1)
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:    s.queued.Load(),
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}
