package loop

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/acl"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/kernel/proctable"
	"github.com/aether/aether/internal/kernel/toolhost"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Runner executes the reasoning cycle for one process. Pause blocks the
// loop between steps; kill cancels the context, observed at step
// boundaries.
type Runner struct {
	pid      int
	uid      string
	subject  acl.Subject
	goal     string
	maxSteps int

	table *proctable.Table
	host  *toolhost.Host
	bus   bus.Bus
	step  ChatStep

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	injected []Message

	done   chan struct{}
	logger *logger.Logger
}

func newRunner(info *v1.ProcessInfo, role string, maxSteps int, step ChatStep,
	table *proctable.Table, host *toolhost.Host, eb bus.Bus, log *logger.Logger) *Runner {

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		pid:      info.PID,
		uid:      info.UID,
		subject:  acl.Subject{UID: info.UID, Role: role},
		goal:     info.Goal,
		maxSteps: maxSteps,
		table:    table,
		host:     host,
		bus:      eb,
		step:     step,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   log.WithPID(info.PID).WithUID(info.UID),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// start transitions the process to running and launches the loop.
func (r *Runner) start(ctx context.Context) error {
	if err := r.table.Transition(ctx, r.pid, v1.StateRunning); err != nil {
		return err
	}
	go r.run()
	return nil
}

// Pause requests a pause; the loop honors it at the next step boundary.
func (r *Runner) Pause(ctx context.Context, by string) error {
	if err := r.table.Transition(ctx, r.pid, v1.StatePaused); err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()

	r.bus.Emit(events.New(events.AgentPaused, events.PauseEvent{
		PID: r.pid, UID: r.uid, By: by,
	}).WithOwner(r.uid).WithPID(r.pid))
	return nil
}

// Resume unblocks a paused loop.
func (r *Runner) Resume(ctx context.Context, by string) error {
	if err := r.table.Transition(ctx, r.pid, v1.StateRunning); err != nil {
		return err
	}
	r.mu.Lock()
	r.paused = false
	r.cond.Broadcast()
	r.mu.Unlock()

	r.bus.Emit(events.New(events.AgentResumed, events.PauseEvent{
		PID: r.pid, UID: r.uid, By: by,
	}).WithOwner(r.uid).WithPID(r.pid))
	return nil
}

// Inject queues a user message for the next think.
func (r *Runner) Inject(text string) {
	r.mu.Lock()
	r.injected = append(r.injected, Message{Role: RoleUser, Content: text})
	r.mu.Unlock()
}

// Kill cancels the loop. The exit code is reported as killed once the
// loop reaches its next boundary.
func (r *Runner) Kill() {
	r.cancel()
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Done is closed after the process has transitioned to zombie.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// waitReady blocks while paused. Returns false when the loop was killed.
func (r *Runner) waitReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.paused {
		if r.ctx.Err() != nil {
			return false
		}
		r.cond.Wait()
	}
	return r.ctx.Err() == nil
}

func (r *Runner) takeInjected() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.injected
	r.injected = nil
	return msgs
}

func (r *Runner) run() {
	defer close(r.done)

	transcript := []Message{
		{Role: RoleSystem, Content: "You are a supervised agent. Work toward the goal step by step using the available tools."},
		{Role: RoleUser, Content: r.goal},
	}
	specs := r.host.Specs()
	exitCode := v1.ExitOK

loop:
	for step := 1; step <= r.maxSteps; step++ {
		if !r.waitReady() {
			exitCode = v1.ExitKilled
			break
		}
		transcript = append(transcript, r.takeInjected()...)

		r.table.SetPhase(r.ctx, r.pid, v1.PhaseThinking, step)
		result, err := r.step.Step(r.ctx, transcript, specs)
		if err != nil {
			if r.ctx.Err() != nil {
				exitCode = v1.ExitKilled
				break
			}
			r.logger.WithError(err).Error("reasoning step failed")
			r.emitStep(step, v1.LogSystem, "", apperrors.MessageOf(err), events.AgentLog)
			exitCode = v1.ExitFailed
			break
		}

		if result.Content != "" {
			r.emitStep(step, v1.LogThought, "", result.Content, events.AgentThought)
			transcript = append(transcript, Message{Role: RoleAssistant, Content: result.Content})
		}

		for _, call := range result.ToolCalls {
			if r.ctx.Err() != nil {
				exitCode = v1.ExitKilled
				break loop
			}
			args, _ := json.Marshal(call.Args)
			r.table.SetPhase(r.ctx, r.pid, v1.PhaseActing, step)
			r.emitStep(step, v1.LogAction, call.Name, string(args), events.AgentAction)

			out, err := r.host.Dispatch(r.ctx, call.Name, toolhost.Call{
				PID:     r.pid,
				Subject: r.subject,
				Args:    call.Args,
			})
			r.table.SetPhase(r.ctx, r.pid, v1.PhaseObserving, step)

			var observation string
			if err != nil {
				observation = apperrors.CodeOf(err) + ": " + apperrors.MessageOf(err)
			} else {
				raw, merr := json.Marshal(out)
				if merr != nil {
					raw = []byte(`"unserializable result"`)
				}
				observation = string(raw)
			}
			r.emitStep(step, v1.LogObservation, call.Name, observation, events.AgentObservation)
			transcript = append(transcript, Message{Role: RoleTool, Tool: call.Name, Content: observation})
		}

		if result.Done {
			break
		}
	}

	if r.ctx.Err() != nil {
		exitCode = v1.ExitKilled
	}
	if err := r.table.Exit(context.Background(), r.pid, exitCode); err != nil {
		r.logger.WithError(err).Error("exit transition failed")
	}
	r.logger.Debug("loop finished", zap.Int("exit_code", exitCode))
}

func (r *Runner) emitStep(step int, phase v1.LogPhase, tool, content, topic string) {
	r.bus.Emit(events.New(topic, events.AgentStepEvent{
		PID:     r.pid,
		UID:     r.uid,
		Step:    step,
		Phase:   phase,
		Tool:    tool,
		Content: content,
	}).WithOwner(r.uid).WithPID(r.pid))
}
