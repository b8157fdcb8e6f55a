package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor runs the periodic sweeps: expiring unmatched pending tasks
// and enforcing execution/io timeouts on running ones.
type Janitor struct {
	svc  *Service
	cron *cron.Cron
}

// NewJanitor schedules both sweeps every intervalSecs seconds.
func NewJanitor(svc *Service, intervalSecs int) (*Janitor, error) {
	if intervalSecs <= 0 {
		intervalSecs = 5
	}
	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", intervalSecs)
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := svc.SweepExpired(ctx); err != nil {
			log.Error().Err(err).Msg("expired sweep failed")
		}
		if err := svc.SweepRunning(ctx); err != nil {
			log.Error().Err(err).Msg("running sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Janitor{svc: svc, cron: c}, nil
}

func (j *Janitor) Start() { j.cron.Start() }

func (j *Janitor) Stop() { <-j.cron.Stop().Done() }
