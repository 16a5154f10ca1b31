package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/raplab/raprunner/internal/service"
)

func TestRunForeverStopsOnCancel(t *testing.T) {
	g := service.NewGroup(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	g.RunForever(ctx, "loop", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	g.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunForeverSurvivesPanic(t *testing.T) {
	g := service.NewGroup(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	g.RunForever(ctx, "loop", func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	})

	// The panic is contained; the goroutine waits out the restart delay
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	cancel()
	g.Wait()
}

func TestRunForeverLogsErrorReturn(t *testing.T) {
	g := service.NewGroup(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	g.RunForever(ctx, "loop", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	g.Wait()
	assert.Equal(t, int32(1), runs.Load())
}
