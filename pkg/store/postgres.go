package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/pg"
)

const pgColumns = `id, recipient_id, type, title, body, payload, priority, channels,
	scheduled_at, expires_at, status, delivery_status, version, created_at, updated_at`

// Postgres keeps notifications in the notifications table created by
// pg.Migrate. Updates lock the row with SELECT ... FOR UPDATE inside a
// transaction, so concurrent workers serialize per notification.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Postgres{pool: pool, opts: o}
}

func (p *Postgres) Create(ctx context.Context, n *notification.Notification) error {
	payload, delivery, err := encodeJSONColumns(n)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `INSERT INTO notifications (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Body, payload, string(n.Priority), channelStrings(n.Channels),
		n.ScheduledAt, n.ExpiresAt, string(n.Status), delivery, n.Version, n.CreatedAt, n.UpdatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: notification %s already exists", notification.ErrConflict, n.ID)
	}
	return p.wrap(err)
}

func (p *Postgres) Get(ctx context.Context, id string) (*notification.Notification, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if pg.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	if err != nil {
		return nil, p.wrap(err)
	}
	return n, nil
}

func (p *Postgres) Update(ctx context.Context, id string, fn Mutation) (*notification.Notification, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, p.wrap(err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	row := tx.QueryRow(ctx, `SELECT `+pgColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanNotification(row)
	if pg.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	if err != nil {
		return nil, p.wrap(err)
	}

	next, err := apply(cur, fn, p.opts.now())
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur, err
		}
		return nil, err
	}

	_, delivery, err := encodeJSONColumns(next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE notifications
		SET status = $2, delivery_status = $3, version = $4, updated_at = $5
		WHERE id = $1`,
		id, string(next.Status), delivery, next.Version, next.UpdatedAt,
	); err != nil {
		return nil, p.wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, p.wrap(err)
	}
	return next, nil
}

func (p *Postgres) UpdateDelivery(ctx context.Context, id string, ch notification.Channel, fn DeliveryMutation) (*notification.Notification, error) {
	return p.Update(ctx, id, forChannel(ch, fn))
}

func (p *Postgres) List(ctx context.Context, f notification.Filter, limit int) ([]*notification.Notification, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.RecipientID != "" {
		where = append(where, "recipient_id = "+arg(f.RecipientID))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(f.Type))
	}
	if f.Priority != "" {
		where = append(where, "priority = "+arg(string(f.Priority)))
	}
	if f.Channel != "" {
		where = append(where, arg(string(f.Channel))+" = ANY(channels)")
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(ss)+")")
	}
	if f.CreatedFrom != nil {
		where = append(where, "created_at >= "+arg(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		where = append(where, "created_at < "+arg(*f.CreatedTo))
	}

	q := `SELECT ` + pgColumns + ` FROM notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id LIMIT " + arg(clampLimit(limit))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, p.wrap(err)
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, p.wrap(err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrap(err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.wrap(pg.Healthcheck(p.pool)(ctx))
}

func (p *Postgres) wrap(err error) error {
	if err == nil {
		return nil
	}
	if pg.IsConnectionError(err) || errors.Is(err, pg.ErrHealthcheckFailed) {
		return errors.Join(notification.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("store: postgres: %w", err)
}

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var (
		n                 notification.Notification
		payload, delivery []byte
		priority, status  string
		channels          []string
		scheduled, expiry *time.Time
	)
	if err := row.Scan(
		&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body, &payload, &priority, &channels,
		&scheduled, &expiry, &status, &delivery, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}

	n.Priority = notification.Priority(priority)
	n.Status = notification.Status(status)
	n.ScheduledAt = scheduled
	n.ExpiresAt = expiry
	n.Channels = make([]notification.Channel, len(channels))
	for i, c := range channels {
		n.Channels[i] = notification.Channel(c)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", n.ID, err)
		}
	}
	if err := json.Unmarshal(delivery, &n.Delivery); err != nil {
		return nil, fmt.Errorf("decode delivery_status of %s: %w", n.ID, err)
	}
	return &n, nil
}

func encodeJSONColumns(n *notification.Notification) (payload, delivery []byte, err error) {
	p := n.Payload
	if p == nil {
		p = map[string]any{}
	}
	if payload, err = json.Marshal(p); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", notification.ErrValidation, err)
	}
	if delivery, err = json.Marshal(n.Delivery); err != nil {
		return nil, nil, fmt.Errorf("encode delivery_status: %w", err)
	}
	return payload, delivery, nil
}

func channelStrings(chs []notification.Channel) []string {
	out := make([]string, len(chs))
	for i, c := range chs {
		out[i] = string(c)
	}
	return out
}
