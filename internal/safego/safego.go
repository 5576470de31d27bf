// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged
// under task instead of crashing the process.
func Go(task string, fn func()) {
	go run(task, fn)
}

func run(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "task", task, "panic", r)
		}
	}()
	fn()
}

// Group tracks goroutines started through it so shutdown can wait for
// in-flight work. The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go launches fn like the package-level Go and registers it with the group.
func (g *Group) Go(task string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(task, fn)
	}()
}

// Wait blocks until every goroutine of the group has returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
