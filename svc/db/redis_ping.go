package db

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Ping proves the connection serves writes, not just that it dials.
// A replica demoted to read-only should fail a sweep preflight, so the
// probe is a real SET/DEL round trip under a throwaway key.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "probe/" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return errors.Wrap(err, "probe write")
	}
	return errors.Wrap(r.client.Del(ctx, key).Err(), "probe delete")
}
