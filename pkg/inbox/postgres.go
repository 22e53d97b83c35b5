package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/pg"
)

const itemColumns = `id, notification_id, user_id, type, title, body, data, priority, read_at, created_at`

// PostgresStore keeps items in the inbox_items table created by pg.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts storeOptions
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) *PostgresStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{pool: pool, opts: o}
}

func (s *PostgresStore) Create(ctx context.Context, item Item) (Item, error) {
	if err := validateItem(item); err != nil {
		return Item{}, err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.opts.now()
	}
	data := item.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Item{}, fmt.Errorf("%w: data: %v", ErrInvalidItem, err)
	}

	row := s.pool.QueryRow(ctx, `WITH ins AS (
			INSERT INTO inbox_items (`+itemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9)
			ON CONFLICT (notification_id) DO NOTHING
			RETURNING `+itemColumns+`
		)
		SELECT `+itemColumns+` FROM ins
		UNION ALL
		SELECT `+itemColumns+` FROM inbox_items WHERE notification_id = $2
		LIMIT 1`,
		item.ID, item.NotificationID, item.UserID, item.Type, item.Title, item.Body,
		raw, string(item.Priority), item.CreatedAt,
	)
	stored, err := scanItem(row)
	if err != nil {
		return Item{}, fmt.Errorf("inbox: create %s: %w", item.ID, err)
	}
	return *stored, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, itemID string) (*Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM inbox_items WHERE user_id = $1 AND id = $2`, userID, itemID)
	it, err := scanItem(row)
	if pg.IsNotFoundError(err) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get %s: %w", itemID, err)
	}
	return it, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, opts ListOptions) ([]Item, error) {
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	where := []string{"user_id = $1"}
	if opts.OnlyUnread {
		where = append(where, "read_at IS NULL")
	}
	if len(opts.Types) > 0 {
		where = append(where, "type = ANY("+arg(opts.Types)+")")
	}
	if opts.Since != nil {
		where = append(where, "created_at >= "+arg(*opts.Since))
	}

	q := `SELECT ` + itemColumns + ` FROM inbox_items WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		q += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q += " OFFSET " + arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("inbox: list: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID string, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE inbox_items SET read_at = $3 WHERE user_id = $1 AND id = ANY($2) AND read_at IS NULL`,
		userID, itemIDs, s.opts.now(),
	)
	if err != nil {
		return fmt.Errorf("inbox: mark read: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM inbox_items WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("inbox: count unread: %w", err)
	}
	return n, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		it       Item
		raw      []byte
		priority string
	)
	if err := row.Scan(&it.ID, &it.NotificationID, &it.UserID, &it.Type, &it.Title, &it.Body,
		&raw, &priority, &it.ReadAt, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.Priority = notification.Priority(priority)
	it.Read = it.ReadAt != nil
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &it.Data); err != nil {
			return nil, errors.Join(ErrInvalidItem, err)
		}
	}
	if len(it.Data) == 0 {
		it.Data = nil
	}
	return &it, nil
}
