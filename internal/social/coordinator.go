package social

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
)

// Device authorization messages.
const (
	msgMissingClientCredentials = "Please enter service client id and client secret in app configuration"
	msgAskingParameters         = "Exception in asking parameters"
)

const (
	defaultMaxPollDuration = 60 * time.Second
	defaultPollFloor       = time.Second
)

// TaskState is the lifecycle state of one device authorization.
type TaskState string

const (
	TaskInit          TaskState = "init"
	TaskPending       TaskState = "pending"
	TaskAuthenticated TaskState = "authenticated"
	TaskFailed        TaskState = "failed"
	TaskConsumed      TaskState = "consumed"
)

// AuthObserver is notified of terminal device authorization outcomes.
type AuthObserver func(service string, state TaskState)

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollBounds overrides the maximum time a device code is polled and the
// minimum interval between polls.
func WithPollBounds(maxDuration, floor time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if maxDuration > 0 {
			c.maxPoll = maxDuration
		}
		if floor > 0 {
			c.pollFloor = floor
		}
	}
}

// WithCoordinatorLogger sets the logger used by the coordinator.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuthObserver registers a callback invoked when a poll task finishes.
func WithAuthObserver(observer AuthObserver) CoordinatorOption {
	return func(c *Coordinator) {
		c.observer = observer
	}
}

// Coordinator starts device authorizations and polls them to completion.
type Coordinator struct {
	registry  *Registry
	logger    *slog.Logger
	maxPoll   time.Duration
	pollFloor time.Duration
	observer  AuthObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*pollTask
}

// NewCoordinator returns a coordinator adding authorized endpoints to registry.
func NewCoordinator(registry *Registry, opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:  registry,
		logger:    slog.Default(),
		maxPoll:   defaultMaxPollDuration,
		pollFloor: defaultPollFloor,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*pollTask),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = logging.WithComponent(c.logger, "device-auth")
	return c
}

// RequestDeviceAuth asks serviceName for device authorization parameters and
// starts polling for the user's approval. On failure the returned Result
// carries the error id.
func (c *Coordinator) RequestDeviceAuth(ctx context.Context, serviceName string) (models.DeviceAuthParameters, models.Result) {
	ep, err := c.registry.NewEndpoint(serviceName)
	if err != nil {
		return models.DeviceAuthParameters{}, models.FailedWithID(msgServiceNotFound, ErrorIDUndefinedEndpoint)
	}
	if !c.registry.ClientCredentials(serviceName).Complete() {
		return models.DeviceAuthParameters{}, models.FailedWithID(msgMissingClientCredentials, ErrorIDUndefinedClientID)
	}
	params, err := ep.AskDeviceAuthParameters(ctx)
	if err != nil {
		if errors.Is(err, ErrMissingClientCredentials) {
			return models.DeviceAuthParameters{}, models.FailedWithID(msgMissingClientCredentials, ErrorIDUndefinedClientID)
		}
		c.logger.Error("device authorization request failed", "service", ep.Name(), "error", err)
		return models.DeviceAuthParameters{}, models.FailedWithID(msgAskingParameters, ErrorIDAskingAuthParams)
	}
	c.start(ep, params)
	return params, models.Succeeded("")
}

func (c *Coordinator) start(ep VideoServiceEndpoint, params models.DeviceAuthParameters) {
	task := &pollTask{
		endpoint: ep,
		params:   params,
		deadline: params.Deadline(c.maxPoll),
		interval: params.PollInterval(c.pollFloor),
		done:     make(chan TaskState, 1),
		state:    TaskInit,
	}
	c.mu.Lock()
	c.pruneLocked()
	c.tasks[params.UserCode] = task
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		final := task.run(c.ctx, c)
		task.done <- final
		if c.observer != nil {
			c.observer(ep.Name(), final)
		}
	}()
}

// CheckStatus reports the outcome of the authorization identified by userCode.
// A successful authorization reports the endpoint id; a failure is reported
// once; anything else reports an unsuccessful result without a message.
func (c *Coordinator) CheckStatus(userCode string) models.Result {
	c.mu.Lock()
	if task, ok := c.tasks[userCode]; ok {
		if s := task.collect(); s == TaskAuthenticated || s == TaskFailed {
			task.setState(TaskConsumed)
		}
	}
	c.mu.Unlock()
	return c.registry.ConsumeStatus(userCode)
}

// State returns the state of the authorization identified by userCode.
func (c *Coordinator) State(userCode string) (TaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[userCode]
	if !ok {
		return "", false
	}
	return task.collect(), true
}

// Pending returns the number of authorizations still being polled.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, task := range c.tasks {
		if s := task.collect(); s == TaskInit || s == TaskPending {
			n++
		}
	}
	return n
}

// Close stops every poll task and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// pruneLocked drops finished tasks. Their outcome is held by the registry.
func (c *Coordinator) pruneLocked() {
	for code, task := range c.tasks {
		if s := task.collect(); s != TaskInit && s != TaskPending {
			delete(c.tasks, code)
		}
	}
}

type pollTask struct {
	endpoint VideoServiceEndpoint
	params   models.DeviceAuthParameters
	deadline time.Duration
	interval time.Duration
	done     chan TaskState

	mu    sync.Mutex
	state TaskState
}

func (t *pollTask) setState(state TaskState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// collect picks up the terminal state without blocking.
func (t *pollTask) collect() TaskState {
	select {
	case final := <-t.done:
		t.setState(final)
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *pollTask) run(ctx context.Context, c *Coordinator) TaskState {
	t.setState(TaskPending)
	timer := time.NewTimer(t.deadline)
	defer timer.Stop()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	logger := c.logger.With("service", t.endpoint.Name(), "user_code", t.params.UserCode)
	for {
		select {
		case <-ctx.Done():
			c.registry.Fail(t.endpoint, "authorization cancelled")
			return TaskFailed
		case <-timer.C:
			c.registry.Fail(t.endpoint, "authorization timed out, user did not approve the device in time")
			return TaskFailed
		case <-ticker.C:
		}

		result, err := t.endpoint.PollAuthStatus(ctx)
		if err != nil {
			logger.Warn("device authorization poll failed", "error", err)
			c.registry.Fail(t.endpoint, err.Error())
			return TaskFailed
		}
		switch result.Status {
		case AuthPending:
			continue
		case AuthSlowDown:
			t.interval += c.pollFloor
			ticker.Reset(t.interval)
		case AuthGranted:
			if _, err := c.registry.Activate(ctx, t.endpoint); err != nil {
				logger.Warn("authorized endpoint not persisted", "error", err)
			}
			return TaskAuthenticated
		case AuthDenied:
			reason := result.Reason
			if reason == "" {
				reason = "authorization denied"
			}
			c.registry.Fail(t.endpoint, reason)
			return TaskFailed
		}
	}
}
