package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/choiros/director/pkg/canonicalize"
	"github.com/choiros/director/pkg/contracts"
)

// StreamName is the single logical stream all subjects land on. The tier
// streams below source from it to apply per-producer retention; they are
// read-side conveniences, never the source of truth.
const StreamName = "CHOIR"

const (
	streamUserEvents   = "USER_EVENTS"
	streamAgentEvents  = "AGENT_EVENTS"
	streamSystemEvents = "SYSTEM_EVENTS"
)

const payloadHashHeader = "Choir-Payload-Hash"

// JetStreamLog persists events in NATS JetStream. Idempotent append rides
// on JetStream's message-ID dedup; sequence numbers are the stream's own.
// Envelopes from this backend carry no chain hash — replication and storage
// integrity belong to the server.
type JetStreamLog struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	namespace string
}

// JetStreamOption configures a JetStreamLog.
type JetStreamOption func(*JetStreamLog)

// WithJetStreamNamespace overrides the subject namespace.
func WithJetStreamNamespace(ns string) JetStreamOption {
	return func(l *JetStreamLog) { l.namespace = ns }
}

// NewJetStreamLog connects and provisions the streams.
func NewJetStreamLog(url string, opts ...JetStreamOption) (*JetStreamLog, error) {
	nc, err := nats.Connect(url,
		nats.Name("director"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventlog: jetstream context: %w", err)
	}
	l := &JetStreamLog{nc: nc, js: js, namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return l, nil
}

// Close drains the connection.
func (l *JetStreamLog) Close() error {
	return l.nc.Drain()
}

func (l *JetStreamLog) ensureStreams() error {
	configs := []*nats.StreamConfig{
		{
			Name:       StreamName,
			Subjects:   []string{l.namespace + ".>"},
			Storage:    nats.FileStorage,
			MaxAge:     30 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:    streamUserEvents,
			Storage: nats.FileStorage,
			MaxAge:  30 * 24 * time.Hour,
			Sources: []*nats.StreamSource{{
				Name:          StreamName,
				FilterSubject: fmt.Sprintf("%s.*.%s.>", l.namespace, SourceUser),
			}},
		},
		{
			Name:    streamAgentEvents,
			Storage: nats.FileStorage,
			MaxAge:  7 * 24 * time.Hour,
			Sources: []*nats.StreamSource{{
				Name:          StreamName,
				FilterSubject: fmt.Sprintf("%s.*.%s.>", l.namespace, SourceAgent),
			}},
		},
		{
			Name:    streamSystemEvents,
			Storage: nats.MemoryStorage,
			MaxAge:  24 * time.Hour,
			Sources: []*nats.StreamSource{{
				Name:          StreamName,
				FilterSubject: fmt.Sprintf("%s.*.%s.>", l.namespace, SourceSystem),
			}},
		},
	}
	for _, cfg := range configs {
		_, err := l.js.StreamInfo(cfg.Name)
		switch {
		case err == nil:
			continue
		case errors.Is(err, nats.ErrStreamNotFound):
			if _, err := l.js.AddStream(cfg); err != nil {
				return fmt.Errorf("eventlog: add stream %s: %w", cfg.Name, err)
			}
		default:
			return fmt.Errorf("eventlog: stream info %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Append publishes the event with its ID as the dedup key. A duplicate
// publish acks with the original sequence, so L1 holds without a read.
func (l *JetStreamLog) Append(ctx context.Context, e Event) (uint64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if err := ValidatePayload(e); err != nil {
		return 0, err
	}
	payloadHash, err := canonicalize.Hash(e.Payload)
	if err != nil {
		return 0, contracts.Wrap(contracts.KindContractViolation, "eventlog.append", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return 0, contracts.Wrap(contracts.KindContractViolation, "eventlog.append", err)
	}

	msg := nats.NewMsg(Subject(l.namespace, e))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Header.Set(payloadHashHeader, payloadHash)

	backoff := 50 * time.Millisecond
	const attempts = 4
	for i := 0; ; i++ {
		ack, err := l.js.PublishMsg(msg, nats.Context(ctx))
		if err == nil {
			return ack.Sequence, nil
		}
		if i == attempts-1 || ctx.Err() != nil {
			return 0, fmt.Errorf("eventlog: publish: %w", err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, fmt.Errorf("eventlog: publish: %w", ctx.Err())
		}
		backoff *= 2
	}
}

func (l *JetStreamLog) decode(subject string, seq uint64, t time.Time, data []byte, hdr nats.Header) (Envelope, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("eventlog: decode event: %w", err)
	}
	env := Envelope{
		Sequence:     seq,
		Subject:      subject,
		Event:        e,
		AppendedAtMS: t.UnixMilli(),
	}
	if hdr != nil {
		env.PayloadHash = hdr.Get(payloadHashHeader)
	}
	return env, nil
}

func (l *JetStreamLog) Get(_ context.Context, seq uint64) (Envelope, error) {
	raw, err := l.js.GetMsg(StreamName, seq)
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return Envelope{}, contracts.Errorf(contracts.KindProjectionInconsistency, "eventlog.get", "sequence %d out of range", seq)
		}
		return Envelope{}, fmt.Errorf("eventlog: get msg: %w", err)
	}
	return l.decode(raw.Subject, raw.Sequence, raw.Time, raw.Data, raw.Header)
}

func (l *JetStreamLog) Range(ctx context.Context, from, to uint64) ([]Envelope, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		last, err := l.LastSequence(ctx)
		if err != nil {
			return nil, err
		}
		to = last
	}
	var out []Envelope
	for seq := from; seq <= to; seq++ {
		raw, err := l.js.GetMsg(StreamName, seq)
		if errors.Is(err, nats.ErrMsgNotFound) {
			continue // compacted by retention
		}
		if err != nil {
			return nil, fmt.Errorf("eventlog: range at %d: %w", seq, err)
		}
		env, err := l.decode(raw.Subject, raw.Sequence, raw.Time, raw.Data, raw.Header)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Tail uses an ordered ephemeral consumer bound to the stream. A single
// goroutine owns the output channel, so it closes cleanly on cancellation.
func (l *JetStreamLog) Tail(ctx context.Context, from uint64) (<-chan Envelope, error) {
	if from == 0 {
		from = 1
	}
	sub, err := l.js.SubscribeSync("",
		nats.BindStream(StreamName),
		nats.OrderedConsumer(),
		nats.StartSequence(from),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: tail subscribe: %w", err)
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				return // context done or subscription closed
			}
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			env, err := l.decode(msg.Subject, meta.Sequence.Stream, meta.Timestamp, msg.Data, msg.Header)
			if err != nil {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *JetStreamLog) LastSequence(_ context.Context) (uint64, error) {
	info, err := l.js.StreamInfo(StreamName)
	if err != nil {
		return 0, fmt.Errorf("eventlog: stream info: %w", err)
	}
	return info.State.LastSeq, nil
}
