package dispatch

import (
	"context"

	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// HandleDueJob is the job handler for armed delivery triggers.
func (d *Dispatcher) HandleDueJob(ctx context.Context, payload string) error {
	p, err := notify.ParseDuePayload(payload)
	if err != nil {
		return err
	}
	return d.OnDue(ctx, p.WaffleID, d.now())
}

// RegisterJobs wires the dispatcher's handlers into runner.
func (d *Dispatcher) RegisterJobs(runner *store.JobRunner) {
	runner.RegisterHandler(notify.JobKindWaffleDue, d.HandleDueJob)
}
