// Package service runs long-lived loops with crash isolation: a panicking
// loop is logged and restarted rather than taking the process down, since a
// stuck scheduler is recoverable but a dead one silently strands every job.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// restartDelay is the pause before a crashed loop restarts.
const restartDelay = 10 * time.Second

// Group supervises a set of loops and waits for them all to stop.
type Group struct {
	log *zap.Logger
	wg  sync.WaitGroup
}

// NewGroup builds a Group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// RunForever starts fn in a goroutine and restarts it whenever it panics or
// returns an error, until the context is cancelled. A clean nil return also
// restarts: these loops are not meant to finish.
func (g *Group) RunForever(ctx context.Context, name string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			g.runOnce(ctx, name, fn)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
			g.log.Info("restarting", zap.String("service", name))
		}
	}()
}

func (g *Group) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("service panicked",
				zap.String("service", name), zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		g.log.Error("service exited",
			zap.String("service", name), zap.Error(err))
	}
}

// Wait blocks until every loop has stopped.
func (g *Group) Wait() {
	g.wg.Wait()
}
