// Package scheduler spawns agents on time schedules (cron jobs) and in
// response to observed kernel events (triggers).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Spawner starts an agent process on behalf of a schedule owner.
type Spawner interface {
	SpawnAgent(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error)
}

// cronParser accepts five-field expressions plus the @hourly family of
// macros. Seconds-resolution expressions are rejected.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ComputeNext returns the first firing time strictly after from.
func ComputeNext(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, apperrors.Validation(fmt.Sprintf("bad cron expression %q: %v", expr, err))
	}
	return sched.Next(from), nil
}

// CronDriver polls the store for due jobs and spawns their agents.
type CronDriver struct {
	store   *store.Store
	spawner Spawner
	bus     bus.Bus
	logger  *logger.Logger

	interval time.Duration
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewCronDriver(cfg config.SchedulerConfig, st *store.Store, sp Spawner, eb bus.Bus, log *logger.Logger) *CronDriver {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	return &CronDriver{
		store:    st,
		spawner:  sp,
		bus:      eb,
		logger:   log.WithFields(zap.String("component", "cron-driver")),
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CreateJob validates the expression, stamps the first nextRun, and
// persists the job.
func (d *CronDriver) CreateJob(ctx context.Context, job *v1.CronJob) error {
	if job.Name == "" {
		return apperrors.Validation("cron job name is required")
	}
	var agentCfg v1.AgentConfig
	if err := json.Unmarshal([]byte(job.AgentConfig), &agentCfg); err != nil {
		return apperrors.Validation("agentConfig is not valid JSON")
	}
	next, err := ComputeNext(job.CronExpression, d.now())
	if err != nil {
		return err
	}
	job.NextRun = next.UnixMilli()
	job.Enabled = true
	if err := d.store.CreateCronJob(ctx, job); err != nil {
		return err
	}
	d.bus.Emit(events.New(events.CronCreated, events.AdminEvent{
		ActorUID: job.OwnerUID,
		Target:   job.ID,
		Args:     map[string]interface{}{"name": job.Name, "expression": job.CronExpression},
	}).WithOwner(job.OwnerUID))
	return nil
}

// Toggle enables or disables a job, recomputing nextRun on enable.
func (d *CronDriver) Toggle(ctx context.Context, id string, enabled bool) error {
	job, err := d.store.GetCronJob(ctx, id)
	if err != nil {
		return err
	}
	nextRun := job.NextRun
	if enabled {
		next, err := ComputeNext(job.CronExpression, d.now())
		if err != nil {
			return err
		}
		nextRun = next.UnixMilli()
	}
	return d.store.SetCronEnabled(ctx, id, enabled, nextRun)
}

// Start launches the poll loop.
func (d *CronDriver) Start() {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.Tick(context.Background())
			}
		}
	}()
}

// Stop halts the poll loop.
func (d *CronDriver) Stop() {
	close(d.stop)
	<-d.done
}

// Tick runs one poll pass. Exposed for deterministic tests.
func (d *CronDriver) Tick(ctx context.Context) {
	now := d.now()
	due, err := d.store.DueCronJobs(ctx, now.UnixMilli())
	if err != nil {
		d.logger.WithError(err).Error("due job query failed")
		return
	}
	for _, job := range due {
		d.fire(ctx, job, now)
	}
}

func (d *CronDriver) fire(ctx context.Context, job *v1.CronJob, now time.Time) {
	var agentCfg v1.AgentConfig
	if err := json.Unmarshal([]byte(job.AgentConfig), &agentCfg); err != nil {
		d.logger.Error("cron job has malformed agent config, disabling",
			zap.String("job", job.ID), zap.Error(err))
		if derr := d.store.SetCronEnabled(ctx, job.ID, false, job.NextRun); derr != nil {
			d.logger.WithError(derr).Error("failed to disable job")
		}
		return
	}

	info, err := d.spawner.SpawnAgent(ctx, job.OwnerUID, agentCfg)
	if err != nil {
		// The job stays due and is retried on the next tick.
		d.logger.Warn("cron spawn failed",
			zap.String("job", job.ID), zap.Error(err))
		return
	}

	next, err := ComputeNext(job.CronExpression, now)
	if err != nil {
		d.logger.Error("stored cron expression no longer parses, disabling",
			zap.String("job", job.ID), zap.Error(err))
		if derr := d.store.SetCronEnabled(ctx, job.ID, false, job.NextRun); derr != nil {
			d.logger.WithError(derr).Error("failed to disable job")
		}
		return
	}
	if err := d.store.MarkCronRun(ctx, job.ID, now.UnixMilli(), next.UnixMilli()); err != nil {
		d.logger.WithError(err).Error("failed to stamp cron run")
	}
	d.logger.Info("cron job fired",
		zap.String("job", job.Name), zap.Int("pid", info.PID))
}
