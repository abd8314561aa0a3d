package svc

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gistlock/metrics"
	"gistlock/pkg/domain"
	"gistlock/svc/db"
	"gistlock/svc/util"
)

// SweepConfig tunes one housekeeping pass over the store.
type SweepConfig struct {
	DryRun bool
	// OrphanGrace is how long blobs without a metadata record may
	// linger before removal, long enough for any in-flight create to
	// finish writing its metadata.
	OrphanGrace time.Duration
	Concurrency int
	// OpsPerSec paces store calls so a sweep never starves live
	// traffic. Zero means unpaced.
	OpsPerSec float64
}

type SweepResult struct {
	Scanned        int64
	ExpiredRemoved int64
	OrphanRemoved  int64
	Failed         int64
}

// Sweeper removes what lazy expiry leaves behind: expired records that
// nobody deleted explicitly, and blob or history objects orphaned by
// interrupted multi-step writes. The engine itself never runs this;
// housekeeping is an explicit external run.
type Sweeper struct {
	store db.Store
	cfg   SweepConfig
	pace  *rate.Limiter
}

func NewSweeper(store db.Store, cfg SweepConfig) *Sweeper {
	if store == nil {
		panic("sweeper: nil store")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 24 * time.Hour
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.OpsPerSec > 0 {
		burst := int(cfg.OpsPerSec)
		if burst < 1 {
			burst = 1
		}
		pace = rate.NewLimiter(rate.Limit(cfg.OpsPerSec), burst)
	}
	return &Sweeper{store: store, cfg: cfg, pace: pace}
}

func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	// Pin one request id for the whole run, minting one if the caller
	// did not set any, so the summary identifies this pass in shared logs.
	ctx = util.SetRequestID(ctx, util.GetRequestID(ctx))
	start := time.Now()

	if err := s.pace.Wait(ctx); err != nil {
		return SweepResult{}, err
	}
	keys, err := s.store.List(ctx, keyPrefix)
	if err != nil {
		return SweepResult{}, errors.Wrapf(domain.ErrStorage, "list gists: %v", err)
	}
	gists := groupKeys(keys)

	var counters sweepCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for id, objs := range gists {
		g.Go(func() error {
			if objs.hasMeta {
				return s.sweepRecord(gctx, id, objs, &counters)
			}
			return s.sweepOrphan(gctx, id, objs, &counters)
		})
	}
	if err := g.Wait(); err != nil {
		return counters.snapshot(), err
	}

	metrics.SweepCycles.Inc()
	res := counters.snapshot()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Int64("scanned", res.Scanned).
		Int64("expired_removed", res.ExpiredRemoved).
		Int64("orphan_removed", res.OrphanRemoved).
		Int64("failed", res.Failed).
		Dur("elapsed", time.Since(start)).
		Bool("dry_run", s.cfg.DryRun).
		Msg("sweep finished")
	return res, nil
}

// sweepRecord re-reads the metadata and removes the whole gist when it
// is past expiry. Undecodable metadata is reported, never deleted.
func (s *Sweeper) sweepRecord(ctx context.Context, id string, objs *gistObjects, c *sweepCounters) error {
	c.scanned.Add(1)
	if err := s.pace.Wait(ctx); err != nil {
		return err
	}
	raw, err := s.store.Get(ctx, metaKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		c.failed.Add(1)
		util.Warn().Err(err).Str("id", id).Msg("sweep: meta read failed")
		return nil
	}
	var g domain.Gist
	if err := json.Unmarshal(raw, &g); err != nil {
		c.failed.Add(1)
		util.Warn().Err(err).Str("id", id).Msg("sweep: undecodable meta, left in place")
		return nil
	}
	if !g.Expired(time.Now()) {
		return nil
	}
	if s.cfg.DryRun {
		c.expired.Add(1)
		util.Info().Str("id", id).Msg("sweep: would remove expired gist")
		return nil
	}
	if err := s.pace.Wait(ctx); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, metaKey(id)); err != nil {
		c.failed.Add(1)
		util.Warn().Err(err).Str("id", id).Msg("sweep: meta delete failed")
		return nil
	}
	for _, token := range objs.blobTokens {
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, blobKey(id, token)); err != nil {
			c.failed.Add(1)
			util.Warn().Err(err).Str("id", id).Str("token", token).Msg("sweep: blob delete failed")
		}
	}
	if objs.hasHistory {
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, historyKey(id)); err != nil {
			c.failed.Add(1)
			util.Warn().Err(err).Str("id", id).Msg("sweep: history delete failed")
		}
	}
	c.expired.Add(1)
	metrics.SweepRemoved.WithLabelValues("expired").Inc()
	util.Info().Str("id", id).Int("blobs", len(objs.blobTokens)).Msg("sweep: removed expired gist")
	return nil
}

// sweepOrphan handles ids that have objects but no metadata. Fresh
// blobs may belong to a create still in flight, so the whole id is
// skipped unless everything under it is older than the grace window.
func (s *Sweeper) sweepOrphan(ctx context.Context, id string, objs *gistObjects, c *sweepCounters) error {
	c.scanned.Add(1)
	cutoff := time.Now().Add(-s.cfg.OrphanGrace)
	for _, token := range objs.blobTokens {
		ts, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			util.Warn().Str("id", id).Str("token", token).Msg("sweep: unparseable blob token, skipping gist")
			return nil
		}
		if time.Unix(0, ts).After(cutoff) {
			return nil
		}
	}
	if s.cfg.DryRun {
		c.orphans.Add(int64(len(objs.blobTokens)))
		if objs.hasHistory {
			c.orphans.Add(1)
		}
		util.Info().Str("id", id).Int("blobs", len(objs.blobTokens)).Msg("sweep: would remove orphan objects")
		return nil
	}
	for _, token := range objs.blobTokens {
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, blobKey(id, token)); err != nil {
			c.failed.Add(1)
			util.Warn().Err(err).Str("id", id).Str("token", token).Msg("sweep: orphan blob delete failed")
			continue
		}
		c.orphans.Add(1)
		metrics.SweepRemoved.WithLabelValues("orphan").Inc()
	}
	if objs.hasHistory {
		if err := s.pace.Wait(ctx); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, historyKey(id)); err != nil {
			c.failed.Add(1)
			util.Warn().Err(err).Str("id", id).Msg("sweep: orphan history delete failed")
		} else {
			c.orphans.Add(1)
			metrics.SweepRemoved.WithLabelValues("orphan").Inc()
		}
	}
	return nil
}

type gistObjects struct {
	hasMeta    bool
	hasHistory bool
	blobTokens []string
}

func groupKeys(keys []string) map[string]*gistObjects {
	gists := make(map[string]*gistObjects)
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, keyPrefix)
		if !ok {
			continue
		}
		id, kind, found := strings.Cut(rest, "/")
		if !found || id == "" {
			continue
		}
		objs := gists[id]
		if objs == nil {
			objs = &gistObjects{}
			gists[id] = objs
		}
		switch {
		case kind == "meta":
			objs.hasMeta = true
		case kind == "history":
			objs.hasHistory = true
		case strings.HasPrefix(kind, "blob/"):
			objs.blobTokens = append(objs.blobTokens, strings.TrimPrefix(kind, "blob/"))
		}
	}
	return gists
}

type sweepCounters struct {
	scanned atomic.Int64
	expired atomic.Int64
	orphans atomic.Int64
	failed  atomic.Int64
}

func (c *sweepCounters) snapshot() SweepResult {
	return SweepResult{
		Scanned:        c.scanned.Load(),
		ExpiredRemoved: c.expired.Load(),
		OrphanRemoved:  c.orphans.Load(),
		Failed:         c.failed.Load(),
	}
}
