package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// cappedTable is a bounded, ordered collection inside one user store.
// Once a row count exceeds limit the oldest rows are handed to onEvict and
// deleted, all inside the caller's transaction.
type cappedTable struct {
	kind    string
	table   string
	key     string
	order   string
	filter  string // extra predicate selecting evictable rows
	limit   int
	onEvict func(ctx context.Context, tx *sql.Tx, keys []string) error
}

func (c *cappedTable) enforce(ctx context.Context, tx *sql.Tx, d dialect, userID string) ([]string, error) {
	if c == nil || c.limit <= 0 {
		return nil, nil
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		d.rebind(`SELECT COUNT(*) FROM `+c.table+` WHERE user_id = ?`), userID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("count %s: %w", c.kind, err)
	}
	if count <= c.limit {
		return nil, nil
	}

	query := `SELECT ` + c.key + ` FROM ` + c.table + ` WHERE user_id = ?`
	if c.filter != "" {
		query += ` AND ` + c.filter
	}
	query += ` ORDER BY ` + c.order + ` LIMIT ?`
	rows, err := tx.QueryContext(ctx, d.rebind(query), userID, count-c.limit)
	if err != nil {
		return nil, fmt.Errorf("select oldest %s: %w", c.kind, err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s key: %w", c.kind, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(keys) == 0 {
		return nil, nil
	}

	if c.onEvict != nil {
		if err := c.onEvict(ctx, tx, keys); err != nil {
			return nil, fmt.Errorf("evict %s: %w", c.kind, err)
		}
	}
	del := d.rebind(`DELETE FROM ` + c.table + ` WHERE ` + c.key + ` = ?`)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, del, k); err != nil {
			return nil, fmt.Errorf("delete %s: %w", c.kind, err)
		}
	}
	return keys, nil
}
