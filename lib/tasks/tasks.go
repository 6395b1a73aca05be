/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package tasks runs commands asynchronously. A submitted task is persisted,
// queued FIFO per bot, executed by a worker pool through the dispatcher, and
// retried with exponential backoff when no instance could take it.
package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/backend"
	"github.com/L4DK/unified-bot-protocol/lib/defaults"
	"github.com/L4DK/unified-bot-protocol/lib/dispatch"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
	"github.com/L4DK/unified-bot-protocol/lib/utils/retryutils"
)

const tasksPrefix = "tasks"

// Dispatcher is the command execution surface the manager drives.
// Implemented by lib/dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) ([]byte, error)
}

// Config holds manager dependencies and tuning.
type Config struct {
	// Backend persists task records across restarts. Required.
	Backend backend.Backend
	// Dispatcher executes task commands. Required.
	Dispatcher Dispatcher

	// Workers is the size of the execution pool.
	Workers int
	// Retries is how many times a task is re-attempted after a retryable
	// dispatch failure.
	Retries int
	// BackoffBase and BackoffMax bound the retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if c.Workers <= 0 {
		c.Workers = defaults.TaskWorkers
	}
	if c.Retries < 0 {
		return trace.BadParameter("Retries must not be negative")
	}
	if c.Retries == 0 {
		c.Retries = defaults.TaskRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.TaskBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.TaskBackoffMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "tasks")
	}
	return nil
}

// NewManager creates the manager, re-queues any non-terminal tasks found in
// the backend, and starts the worker pool.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string][]string),
		busy:    make(map[string]bool),
		running: make(map[string]context.CancelFunc),
		notify:  make(chan string, 1024),
	}
	if err := m.recover(); err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m, nil
}

// Manager owns the task lifecycle.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// queues holds pending task ids FIFO per bot.
	queues map[string][]string
	// busy marks bots with a task currently executing; per-bot order is
	// preserved by never running two tasks of one bot concurrently.
	busy map[string]bool
	// running maps executing task ids to their cancel functions.
	running map[string]context.CancelFunc

	// notify hints workers that a bot queue may have runnable work.
	notify chan string
}

// Close stops the workers. In-flight dispatches are cancelled and their
// tasks re-queued on next startup via recovery.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// Submit persists a task in the Pending state and queues it.
func (m *Manager) Submit(ctx context.Context, botID, commandName string, args json.RawMessage) (*types.Task, error) {
	if botID == "" {
		return nil, trace.BadParameter("missing parameter botID")
	}
	if commandName == "" {
		return nil, trace.BadParameter("missing parameter commandName")
	}
	task := &types.Task{
		TaskID:           uuid.NewString(),
		BotID:            botID,
		CommandName:      commandName,
		Arguments:        args,
		State:            types.TaskStatePending,
		SubmittedAt:      m.cfg.Clock.Now().UTC(),
		RetriesRemaining: m.cfg.Retries,
	}
	if err := m.saveTask(ctx, task); err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	m.queues[botID] = append(m.queues[botID], task.TaskID)
	m.mu.Unlock()
	metrics.TaskQueueDepth.Inc()
	m.kick(botID)

	m.cfg.Logger.InfoContext(ctx, "Task submitted",
		"task_id", task.TaskID, "bot_id", botID, "command_name", commandName)
	return task.Clone(), nil
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, taskID string) (*types.Task, error) {
	item, err := m.cfg.Backend.Get(ctx, backend.Key(tasksPrefix, taskID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("task %q is not found", taskID)
		}
		return nil, trace.Wrap(err)
	}
	var task types.Task
	if err := json.Unmarshal(item.Value, &task); err != nil {
		return nil, trace.Wrap(err)
	}
	return &task, nil
}

// List returns tasks in submission order, optionally filtered by state.
func (m *Manager) List(ctx context.Context, state types.TaskState) ([]types.Task, error) {
	start := backend.Key(tasksPrefix)
	items, err := m.cfg.Backend.GetRange(ctx, start, backend.RangeEnd(start), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]types.Task, 0, len(items))
	for _, item := range items {
		var task types.Task
		if err := json.Unmarshal(item.Value, &task); err != nil {
			return nil, trace.Wrap(err)
		}
		if state != "" && task.State != state {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// Cancel stops a task. Pending tasks are dequeued, running tasks have their
// dispatch cancelled; terminal tasks cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if task.State.IsTerminal() {
		return nil, trace.CompareFailed("task %q is already %s", taskID, task.State)
	}

	m.mu.Lock()
	if cancelRun, ok := m.running[taskID]; ok {
		m.mu.Unlock()
		// the owning worker observes the cancellation and records the
		// terminal state itself
		cancelRun()
		// tell the executing instance to stop; the task is cancelled
		// locally whether or not this reaches it
		go func() {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := m.cfg.Dispatcher.Dispatch(cancelCtx, dispatch.Request{
				BotID:       task.BotID,
				CommandName: "command.cancel",
				Arguments:   []byte(`{"task_id":"` + task.TaskID + `"}`),
				Deadline:    5 * time.Second,
			}); err != nil {
				m.cfg.Logger.DebugContext(cancelCtx, "Best effort cancel command failed",
					"task_id", task.TaskID, "error", err)
			}
		}()
		return task, nil
	}
	// still pending: drop it from its queue
	queue := m.queues[task.BotID]
	for i, id := range queue {
		if id == taskID {
			m.queues[task.BotID] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	metrics.TaskQueueDepth.Dec()
	now := m.cfg.Clock.Now().UTC()
	task.State = types.TaskStateCancelled
	task.CompletedAt = &now
	if err := m.saveTask(ctx, task); err != nil {
		return nil, trace.Wrap(err)
	}
	m.cfg.Logger.InfoContext(ctx, "Task cancelled", "task_id", taskID)
	return task.Clone(), nil
}

// recover re-queues tasks that were Pending or Running when the previous
// process stopped.
func (m *Manager) recover() error {
	tasks, err := m.List(m.ctx, "")
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range tasks {
		task := &tasks[i]
		if task.State.IsTerminal() {
			continue
		}
		if task.State == types.TaskStateRunning {
			task.State = types.TaskStatePending
			task.StartedAt = nil
			if err := m.saveTask(m.ctx, task); err != nil {
				return trace.Wrap(err)
			}
		}
		m.queues[task.BotID] = append(m.queues[task.BotID], task.TaskID)
		metrics.TaskQueueDepth.Inc()
		m.kick(task.BotID)
	}
	return nil
}

// kick hints the pool that a bot queue may have runnable work.
func (m *Manager) kick(botID string) {
	select {
	case m.notify <- botID:
	default:
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case botID := <-m.notify:
			m.runNext(botID)
		case <-m.ctx.Done():
			return
		}
	}
}

// runNext claims the head of a bot queue and executes it. Claiming marks
// the bot busy so a second worker cannot reorder its tasks.
func (m *Manager) runNext(botID string) {
	m.mu.Lock()
	if m.busy[botID] || len(m.queues[botID]) == 0 {
		m.mu.Unlock()
		return
	}
	taskID := m.queues[botID][0]
	m.queues[botID] = m.queues[botID][1:]
	m.busy[botID] = true
	runCtx, cancelRun := context.WithCancel(m.ctx)
	m.running[taskID] = cancelRun
	m.mu.Unlock()

	metrics.TaskQueueDepth.Dec()
	m.execute(runCtx, taskID)

	m.mu.Lock()
	delete(m.running, taskID)
	m.busy[botID] = false
	more := len(m.queues[botID]) > 0
	m.mu.Unlock()
	cancelRun()
	if more {
		m.kick(botID)
	}
}

func (m *Manager) execute(ctx context.Context, taskID string) {
	task, err := m.Get(ctx, taskID)
	if err != nil {
		m.cfg.Logger.ErrorContext(ctx, "Failed to load claimed task",
			"task_id", taskID, "error", err)
		return
	}

	now := m.cfg.Clock.Now().UTC()
	task.State = types.TaskStateRunning
	task.StartedAt = &now
	if err := m.saveTask(ctx, task); err != nil {
		m.cfg.Logger.ErrorContext(ctx, "Failed to persist task transition",
			"task_id", taskID, "error", err)
		return
	}

	retry, err := retryutils.NewExponential(retryutils.ExponentialConfig{
		Base:   m.cfg.BackoffBase,
		Max:    m.cfg.BackoffMax,
		Jitter: retryutils.NewQuarterJitter(),
	})
	if err != nil {
		m.cfg.Logger.ErrorContext(ctx, "Failed to build retry schedule", "error", err)
		return
	}

	for {
		result, err := m.cfg.Dispatcher.Dispatch(ctx, dispatch.Request{
			BotID:       task.BotID,
			Capability:  task.CommandName,
			CommandName: task.CommandName,
			Arguments:   task.Arguments,
			OnProgress: func(progress int) {
				task.Progress = progress
				m.saveTask(ctx, task)
			},
		})
		switch {
		case err == nil:
			m.finish(task, types.TaskStateCompleted, result, "")
			return
		case ctx.Err() != nil:
			m.finish(task, types.TaskStateCancelled, nil, "")
			return
		case dispatch.IsRetryable(err) && task.RetriesRemaining > 0:
			task.RetriesRemaining--
			m.saveTask(ctx, task)
			backoff := retry.Duration()
			retry.Inc()
			m.cfg.Logger.InfoContext(ctx, "Retrying task",
				"task_id", task.TaskID, "backoff", backoff,
				"retries_remaining", task.RetriesRemaining)
			timer := m.cfg.Clock.NewTimer(backoff)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				m.finish(task, types.TaskStateCancelled, nil, "")
				return
			}
			timer.Stop()
		default:
			m.finish(task, types.TaskStateFailed, nil, err.Error())
			return
		}
	}
}

func (m *Manager) finish(task *types.Task, state types.TaskState, result []byte, errMessage string) {
	now := m.cfg.Clock.Now().UTC()
	task.State = state
	task.Result = result
	task.Error = errMessage
	task.CompletedAt = &now
	if state == types.TaskStateCompleted {
		task.Progress = 100
	}
	if err := m.saveTask(m.ctx, task); err != nil {
		m.cfg.Logger.ErrorContext(m.ctx, "Failed to persist terminal task state",
			"task_id", task.TaskID, "state", string(state), "error", err)
	}
	m.cfg.Logger.InfoContext(m.ctx, "Task finished",
		"task_id", task.TaskID, "state", string(state))
}

func (m *Manager) saveTask(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return trace.Wrap(err)
	}
	// terminal states persist through manager shutdown
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	return trace.Wrap(m.cfg.Backend.Put(ctx, backend.Item{
		Key:   backend.Key(tasksPrefix, task.TaskID),
		Value: data,
	}))
}
