package containerguard

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// ActionEvent is the terminal outcome of a dispatched isolation action
// (§3).
type ActionEvent struct {
	ContainerID string
	Action      Action
	Timestamp   time.Time
	Success     bool
	Error       string
}

// IsolationClient is the subset of *client.Client the executor needs
// to carry out an Action.
type IsolationClient interface {
	ContainerPause(ctx context.Context, containerID string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
}

// retryBackoff is the fixed exponential backoff schedule of §4.7: after
// a failed first attempt, up to 3 retries follow, waiting 500ms, 1s, then
// 2s before each (4 attempts in all).
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// perAttemptTimeout bounds a single action attempt (§4.7 default 10s).
const perAttemptTimeout = 10 * time.Second

// stopGracePeriod is Stop's grace period before SIGKILL (§4.7).
const stopGracePeriod = 10 * time.Second

// job is one queued isolation request.
type job struct {
	containerID string
	action      Action
}

// Executor is the single-worker isolation queue of §4.7. Jobs are
// processed strictly in FIFO order by one goroutine; retries happen
// inline within that worker rather than spawning concurrent attempts,
// so two isolation actions against the same container never race.
type Executor struct {
	client  IsolationClient
	log     *zap.Logger
	onEvent func(ActionEvent)
	onRetry func()

	queue chan job
	done  chan struct{}
}

// NewExecutor constructs an Executor. queueCapacity bounds the number
// of isolation jobs buffered ahead of the single worker. onRetry (if
// non-nil) fires once per scheduled retry attempt of §4.7's backoff.
func NewExecutor(client IsolationClient, queueCapacity int, log *zap.Logger, onEvent func(ActionEvent), onRetry func()) *Executor {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	return &Executor{
		client:  client,
		log:     log,
		onEvent: onEvent,
		onRetry: onRetry,
		queue:   make(chan job, queueCapacity),
		done:    make(chan struct{}),
	}
}

// Enqueue submits an isolation job. Non-blocking: a full queue drops
// the job and returns false, mirroring the ChannelError taxonomy
// entry's "counted and dropped, never propagated as task failure".
func (e *Executor) Enqueue(containerID string, action Action) bool {
	select {
	case e.queue <- job{containerID: containerID, action: action}:
		return true
	default:
		return false
	}
}

// Run drains the queue on a single worker goroutine until ctx is
// cancelled. Jobs still queued at cancellation are not processed.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-e.queue:
			e.process(ctx, j)
		}
	}
}

func (e *Executor) process(ctx context.Context, j job) {
	var lastErr error
	for attempt := 0; attempt < len(retryBackoff)+1; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff[attempt-1]):
			case <-ctx.Done():
				e.emit(j, false, ctx.Err())
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		lastErr = e.execute(attemptCtx, j)
		cancel()
		if lastErr == nil {
			e.emit(j, true, nil)
			return
		}
		e.log.Warn("containerguard: isolation attempt failed",
			zap.String("container", j.containerID),
			zap.String("action", j.action.Kind.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		if attempt < len(retryBackoff) && e.onRetry != nil {
			e.onRetry()
		}
	}
	e.emit(j, false, lastErr)
}

func (e *Executor) execute(ctx context.Context, j job) error {
	switch j.action.Kind {
	case ActionNetworkDisconnect:
		for _, net := range j.action.Networks {
			if err := e.client.NetworkDisconnect(ctx, net, j.containerID, false); err != nil {
				return fmt.Errorf("network disconnect from %q: %w", net, err)
			}
		}
		return nil
	case ActionPause:
		return e.client.ContainerPause(ctx, j.containerID)
	case ActionStop:
		timeout := int(stopGracePeriod.Seconds())
		return e.client.ContainerStop(ctx, j.containerID, container.StopOptions{Timeout: &timeout})
	default:
		return fmt.Errorf("unknown action kind %v", j.action.Kind)
	}
}

func (e *Executor) emit(j job, success bool, err error) {
	ev := ActionEvent{
		ContainerID: j.containerID,
		Action:      j.action,
		Timestamp:   time.Now(),
		Success:     success,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
