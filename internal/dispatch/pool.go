package dispatch

import (
	"context"
	"hash/fnv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cht/sentinel/internal/platform/store"
)

// Pool fans a change feed out over a bounded set of workers. Changes are
// sharded by document id, so two changes for the same document always land
// on the same worker and never run concurrently.
type Pool struct {
	dispatcher *Dispatcher
	workers    int
	log        zerolog.Logger
}

// NewPool creates a pool with the given worker count (minimum 1).
func NewPool(d *Dispatcher, workers int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{dispatcher: d, workers: workers, log: log}
}

// Run consumes changes until the channel closes or ctx is cancelled.
// Processing errors are logged and counted, not fatal: the change source
// redelivers, and the idempotency markers keep redelivery safe.
func (p *Pool) Run(ctx context.Context, changes <-chan store.Change) error {
	g, ctx := errgroup.WithContext(ctx)

	shards := make([]chan store.Change, p.workers)
	for i := range shards {
		shards[i] = make(chan store.Change, 16)
	}

	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			for change := range shard {
				if _, err := p.dispatcher.Process(ctx, change); err != nil {
					p.log.Error().Err(err).Str("doc", change.ID).Msg("change processing failed")
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case change, ok := <-changes:
				if !ok {
					return nil
				}
				shard := shards[shardFor(change.ID, p.workers)]
				select {
				case shard <- change:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	return g.Wait()
}

func shardFor(id string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(workers))
}
