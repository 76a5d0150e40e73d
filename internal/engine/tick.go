// Package engine provides the day/tick scheduler, the trade protocol, and the
// event bus of a cave survival run.
package engine

import (
	"context"
	"log/slog"
	"time"
)

// Pacing limits applied by the speed controls.
const (
	DefaultIdleWait = 500 * time.Millisecond
	SpeedStep       = 2 * time.Second
	MinTickInterval = time.Second
	MaxTickInterval = 60 * time.Second
)

// Engine drives a Simulation forward until the last day has passed or it is
// stopped.
type Engine struct {
	Sim      *Simulation
	IdleWait time.Duration // poll interval while paused

	// OnDay is called after each completed day with that day's index.
	OnDay func(day int)
}

// NewEngine creates an engine for sim with default settings.
func NewEngine(sim *Simulation) *Engine {
	return &Engine{Sim: sim, IdleWait: DefaultIdleWait}
}

// Run starts the simulation loop. Blocks until every day has been played,
// Stop is called, or ctx is cancelled. The rescue announcement is made in
// every case.
func (e *Engine) Run(ctx context.Context) {
	e.Sim.updateClock(func(c *Clock) { c.Running = true })
	clk := e.Sim.Clock()
	slog.Info("simulation engine started", "total_days", clk.TotalDays, "ticks_per_day", clk.TicksPerDay, "interval", clk.TickInterval)

	e.Sim.Start()
	for ctx.Err() == nil {
		clk := e.Sim.Clock()
		if !clk.Running || clk.Day >= clk.TotalDays {
			break
		}
		if clk.Paused {
			if !sleep(ctx, e.idleWait()) {
				break
			}
			continue
		}

		if e.Sim.Step(ctx) && e.OnDay != nil {
			e.OnDay(clk.Day)
		}

		clk = e.Sim.Clock()
		if clk.Running && !clk.Paused && clk.Day < clk.TotalDays {
			sleep(ctx, clk.TickInterval)
		}
	}
	e.Sim.Finish()

	clk = e.Sim.Clock()
	slog.Info("simulation engine stopped", "day", clk.Day, "tick", clk.Tick)
}

func (e *Engine) idleWait() time.Duration {
	if e.IdleWait <= 0 {
		return DefaultIdleWait
	}
	return e.IdleWait
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop halts the loop after the in-flight tick.
func (e *Engine) Stop() {
	e.Sim.updateClock(func(c *Clock) { c.Running = false })
	slog.Info("simulation stop requested")
}

// Pause suspends tick advancement.
func (e *Engine) Pause() {
	e.Sim.updateClock(func(c *Clock) { c.Paused = true })
}

// Resume continues a paused run.
func (e *Engine) Resume() {
	e.Sim.updateClock(func(c *Clock) { c.Paused = false })
}

// SpeedUp shortens the delay between ticks by SpeedStep, down to
// MinTickInterval.
func (e *Engine) SpeedUp() time.Duration {
	var d time.Duration
	e.Sim.updateClock(func(c *Clock) {
		c.TickInterval = max(c.TickInterval-SpeedStep, MinTickInterval)
		d = c.TickInterval
	})
	return d
}

// SlowDown lengthens the delay between ticks by SpeedStep, up to
// MaxTickInterval.
func (e *Engine) SlowDown() time.Duration {
	var d time.Duration
	e.Sim.updateClock(func(c *Clock) {
		c.TickInterval = min(c.TickInterval+SpeedStep, MaxTickInterval)
		d = c.TickInterval
	})
	return d
}

// SetInterval sets the delay between ticks. Negative values mean no delay.
func (e *Engine) SetInterval(d time.Duration) {
	e.Sim.updateClock(func(c *Clock) { c.TickInterval = max(d, 0) })
}
