package cdc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"go.uber.org/atomic"
)

// Headers set on every published message. HeaderMsgID lets a JetStream
// stream capturing the subject drop duplicates across sink restarts.
const (
	HeaderSeq   = "Dseq-Seq"
	HeaderGroup = "Dseq-Group"
	HeaderOp    = "Dseq-Op"
	HeaderMsgID = nats.MsgIdHdr
)

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	// URL of the NATS server.
	URL string
	// Prefix of the subjects, records of group g go to "<Prefix>.<g>".
	Prefix string
	// Name is the connection name shown by the server.
	Name string
	// ReconnectWait is the pause between reconnect attempts (default 2s).
	ReconnectWait time.Duration
}

// NATSSink republishes CDC records into NATS.
type NATSSink struct {
	config NATSConfig
	conn   *nats.Conn
	last   *atomic.Uint64
}

// NewNATSSink connects to the NATS server, retrying a few times with
// exponential backoff.
func NewNATSSink(config NATSConfig) (*NATSSink, error) {
	if config.Prefix == "" {
		config.Prefix = "dseq.cdc"
	}
	if config.Name == "" {
		config.Name = "dseq-cdc"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}

	opts := nats.GetDefaultOptions()
	opts.Url = config.URL
	opts.Name = config.Name
	opts.ReconnectWait = config.ReconnectWait
	opts.MaxReconnect = -1

	var conn *nats.Conn
	retrier := retry.NewRetrier(5, 100*time.Millisecond, opts.ReconnectWait)
	err := retrier.Run(func() error {
		var err error
		conn, err = opts.Connect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cdc: connecting to nats at %s: %w", config.URL, err)
	}
	return &NATSSink{config: config, conn: conn, last: atomic.NewUint64(0)}, nil
}

// Subject returns the subject records of group g are published to.
func (s *NATSSink) Subject(g uint64) string {
	return s.config.Prefix + "." + strconv.FormatUint(g, 10)
}

// Publish sends one record.
func (s *NATSSink) Publish(r Record) error {
	msg := nats.NewMsg(s.Subject(r.Group))
	msg.Data = EncodeRecord(r)
	msg.Header.Set(HeaderSeq, strconv.FormatUint(r.Seq, 10))
	msg.Header.Set(HeaderGroup, strconv.FormatUint(r.Group, 10))
	msg.Header.Set(HeaderOp, r.Op.String())
	msg.Header.Set(HeaderMsgID, fmt.Sprintf("%d-%d", r.Group, r.Seq))
	if err := s.conn.PublishMsg(msg); err != nil {
		return err
	}
	s.last.Store(r.Seq)
	return nil
}

// LastSeq returns the sequence of the last published record.
func (s *NATSSink) LastSeq() uint64 {
	return s.last.Load()
}

// Run publishes every record of the subscriptions opened by subscribe,
// starting after from. When publishing fails the subscription is replaced
// by a new one resuming after the last published record. Run returns when
// ctx is done.
func (s *NATSSink) Run(ctx context.Context, from uint64, subscribe func(from uint64) *Subscription) error {
	s.last.Store(from)
	for {
		sub := subscribe(s.LastSeq())
		err := s.pump(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, store.ErrCompacted) {
			return err
		}
		Logger.Warningf("publishing to %s failed after seq %d, resuming: %v", s.config.URL, s.LastSeq(), err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.ReconnectWait):
		}
	}
}

func (s *NATSSink) pump(ctx context.Context, sub *Subscription) error {
	for {
		r, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.Publish(r); err != nil {
			return err
		}
	}
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	err := s.conn.Flush()
	s.conn.Close()
	return err
}
