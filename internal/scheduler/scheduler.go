// Package scheduler decides when waffles are delivered and runs periodic
// maintenance.
//
// NextSlot is the pure delivery-time calculation used by the dispatcher.
// Scheduler wraps a cron runner for housekeeping tasks such as requeueing
// stale jobs and re-arming pending waffles.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSpec runs housekeeping every five minutes.
const DefaultMaintenanceSpec = "*/5 * * * *"

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler.AddJob: running task", "name", name)
		task()
	})
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid cron expression", "name", name, "expr", expr, "error", err)
		return err
	}
	slog.Info("Scheduler.AddJob: task scheduled", "name", name, "expr", expr)
	return nil
}

// Len reports how many tasks are registered.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
