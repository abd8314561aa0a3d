package db

import (
	"context"

	"github.com/pkg/errors"
)

// Ping checks the pool can still execute statements.
func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "probe query")
	}
	return nil
}
