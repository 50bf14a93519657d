package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/flare-rpc/flare-go/fiber"
)

// churnBatch bounds how many fibers a producer has outstanding.
const churnBatch = 1024

// churn starts cfg.fibers short fibers from cfg.producers goroutines,
// joining them in batches, and checks each ran exactly once.
func churn(ctx context.Context, rt *fiber.Runtime, cfg *config) (int, error) {
	var ran atomic.Int64
	body := func(any) any {
		ran.Add(1)
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < cfg.producers; p++ {
		n := cfg.fibers / cfg.producers
		if p < cfg.fibers%cfg.producers {
			n++
		}
		g.Go(func() error {
			ids := make([]fiber.ID, 0, churnBatch)
			join := func() error {
				for _, id := range ids {
					if _, err := rt.Join(id); err != nil {
						return err
					}
				}
				ids = ids[:0]
				return nil
			}
			for i := 0; i < n; i++ {
				if len(ids) == churnBatch {
					if err := join(); err != nil {
						return err
					}
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				id, err := rt.StartBackground(&fiber.AttrSmall, body, nil)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return join()
		})
	}
	if err := g.Wait(); err != nil {
		return int(ran.Load()), err
	}
	if got := ran.Load(); got != int64(cfg.fibers) {
		return int(got), fmt.Errorf("ran %d fibers, want %d", got, cfg.fibers)
	}
	return cfg.fibers, nil
}

// court is one ping-pong pair's shared state.
type court struct {
	mu   fiber.Mutex
	cond *fiber.Cond
	turn int
	hits int
}

// pingPong runs cfg.pairs pairs of fibers, each pair passing the turn
// cfg.rounds times.
func pingPong(ctx context.Context, rt *fiber.Runtime, cfg *config) (int, error) {
	player := func(c *court, me int) fiber.Func {
		return func(any) any {
			c.mu.Lock()
			defer c.mu.Unlock()
			for c.hits < cfg.rounds {
				for c.turn != me && c.hits < cfg.rounds {
					if err := c.cond.Wait(); err != nil {
						return err
					}
				}
				if c.hits >= cfg.rounds {
					break
				}
				c.hits++
				c.turn = 1 - me
				c.cond.Signal()
			}
			c.cond.Signal()
			return nil
		}
	}

	var ids []fiber.ID
	for i := 0; i < cfg.pairs; i++ {
		c := &court{}
		c.cond = fiber.NewCond(&c.mu)
		for me := 0; me < 2; me++ {
			id, err := rt.StartBackground(nil, player(c, me), nil)
			if err != nil {
				return 0, err
			}
			ids = append(ids, id)
		}
	}
	cancelled := context.AfterFunc(ctx, func() {
		for _, id := range ids {
			_ = rt.Stop(id)
		}
	})
	defer cancelled()

	for _, id := range ids {
		v, err := rt.Join(id)
		if err != nil {
			return 0, err
		}
		if err, ok := v.(error); ok {
			return 0, err
		}
	}
	return cfg.pairs * cfg.rounds, nil
}
