package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// notifyConn is the part of a dedicated connection the listener needs.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type connectFunc func(ctx context.Context) (notifyConn, error)

// Listener holds one pooled connection in LISTEN mode and fans decoded events
// out to its sinks. A dropped connection is re-acquired with exponential
// backoff; events raised while disconnected are lost, which subscribers
// tolerate because they re-fetch on the next event.
type Listener struct {
	connect connectFunc
	channel string
	sinks   []Sink
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewListener(pool *pgxpool.Pool, logger zerolog.Logger, sinks ...Sink) *Listener {
	return newListener(func(ctx context.Context) (notifyConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &pooledConn{c}, nil
	}, logger, sinks...)
}

func newListener(connect connectFunc, logger zerolog.Logger, sinks ...Sink) *Listener {
	return &Listener{
		connect: connect,
		channel: Channel,
		sinks:   sinks,
		logger:  logger.With().Str("component", "changefeed").Logger(),
		sleep:   sleepCtx,
	}
}

// Run listens until ctx is cancelled. It only returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := l.listen(ctx, func() { backoff = minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("change listener disconnected")
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// listen runs one connection lifetime. onReady fires once LISTEN succeeds.
func (l *Listener) listen(ctx context.Context, onReady func()) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		conn.Exec(uctx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	onReady()
	l.logger.Info().Str("channel", l.channel).Msg("change listener ready")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		e, err := Parse(n.Payload)
		if err != nil {
			l.logger.Warn().Err(err).Str("payload", n.Payload).Msg("dropping change notification")
			continue
		}
		l.dispatch(ctx, e)
	}
}

func (l *Listener) dispatch(ctx context.Context, e Event) {
	for _, s := range l.sinks {
		if err := s.Publish(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Str("table", e.Table).Str("op", e.Op).Msg("change sink failed")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c *pooledConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.Conn.Conn().WaitForNotification(ctx)
}
