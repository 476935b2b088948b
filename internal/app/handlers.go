package app

import (
	"context"

	"taskbeat/internal/worker"
	logx "taskbeat/pkg/logx"
)

// RegisterBuiltins adds the "echo" and "noop" kinds used for smoke tests.
func RegisterBuiltins(reg *worker.Registry, log logx.Logger) {
	log = log.With(logx.String("comp", "handler"))
	reg.MustRegister("echo", func(_ context.Context, t worker.Task) error {
		log.Info("echo",
			logx.String("job_id", t.ID),
			logx.Int("attempt", t.Attempt),
			logx.String("payload", string(t.Payload)),
		)
		return nil
	})
	reg.MustRegister("noop", func(context.Context, worker.Task) error { return nil })
}
