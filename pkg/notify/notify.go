// Package notify wraps Postgres LISTEN/NOTIFY. Subscriptions hold a dedicated
// pgx connection because pooled connections drop LISTEN registrations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// Notification is a single NOTIFY delivered on a subscribed channel.
type Notification struct {
	Channel string
	Payload string
}

// Subscription is an open LISTEN registration.
type Subscription interface {
	// Wait blocks until a notification arrives, the connection fails, or ctx ends.
	Wait(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}

// Subscriber opens LISTEN registrations.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Notifier raises a notification inside the caller's transaction so it is
// only delivered if that transaction commits.
type Notifier interface {
	Notify(ctx context.Context, tx *gorm.DB, channel, payload string) error
}

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("notify: subscription closed")

const closeTimeout = 5 * time.Second

// PGSubscriber dials a fresh connection per subscription.
type PGSubscriber struct {
	dsn string
}

func NewPGSubscriber(dsn string) (*PGSubscriber, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	return &PGSubscriber{dsn: dsn}, nil
}

// Subscribe connects and issues LISTEN on channel.
func (s *PGSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("channel is required")
	}
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting listener: %w", err)
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &pgSubscription{conn: conn, ident: ident}, nil
}

type pgSubscription struct {
	conn   *pgx.Conn
	ident  string
	closed bool
}

func (s *pgSubscription) Wait(ctx context.Context) (Notification, error) {
	if s.closed {
		return Notification{}, ErrClosed
	}
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Close unlistens best effort and closes the connection.
func (s *pgSubscription) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if !s.conn.IsClosed() {
		_, _ = s.conn.Exec(ctx, "UNLISTEN "+s.ident)
	}
	return s.conn.Close(ctx)
}

// PGNotifier issues pg_notify on the supplied transaction.
type PGNotifier struct{}

func (PGNotifier) Notify(ctx context.Context, tx *gorm.DB, channel, payload string) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if err := tx.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error; err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

// NopNotifier drops notifications. Listeners still observe new rows through
// their fallback poll.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *gorm.DB, string, string) error { return nil }
