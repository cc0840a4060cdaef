package members

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailerd/internal/models"
)

const eligibleWhere = `email IS NOT NULL AND email <> ''
	   AND mailout AND NOT mailout_failed
	   AND ($1 = '' OR strpos(lower(email), lower($1)) > 0)`

// PGSource reads recipients from the members table.
type PGSource struct {
	Pool *pgxpool.Pool
}

func (s PGSource) MailoutRecipients(_ context.Context, filter string) (RecipientSet, error) {
	if s.Pool == nil {
		return nil, errNoSource
	}
	return pgSet{pool: s.Pool, filter: filter}, nil
}

type pgSet struct {
	pool   *pgxpool.Pool
	filter string
}

func (p pgSet) Count(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM members WHERE `+eligibleWhere, p.filter).Scan(&n)
	return n, err
}

// Each streams rows; the query holds one pool connection until it returns.
func (p pgSet) Each(ctx context.Context, fn func(models.Recipient) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, email, mailout_key FROM members
		 WHERE `+eligibleWhere+`
		 ORDER BY id`, p.filter)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Email, &r.Key); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
