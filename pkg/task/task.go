package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"m7s.live/atsc3/pkg/util"
)

const TraceLevel = slog.Level(-8)

var ThrowPanic = false

var (
	ErrAutoStop     = errors.New("auto stop")
	ErrTaskComplete = errors.New("complete")
	ErrExit         = errors.New("exit")
	ErrPanic        = errors.New("panic")
)

const (
	TASK_STATE_INIT TaskState = iota
	TASK_STATE_STARTING
	TASK_STATE_STARTED
	TASK_STATE_RUNNING
	TASK_STATE_DISPOSING
	TASK_STATE_DISPOSED
)

type (
	TaskState byte
	ITask     interface {
		context.Context
		GetTask() *Task
		Stop(error)
		StopReason() error
		IsStopped() bool
		OnStart(func())
		OnDispose(func())
	}
	TaskStarter interface {
		Start() error
	}
	TaskDisposal interface {
		Dispose()
	}
	TaskBlock interface {
		Run() error
	}
	Task struct {
		ID        uint32
		StartTime time.Time
		*slog.Logger
		context.Context
		context.CancelCauseFunc
		handler                                      ITask
		afterStartListeners, afterDisposeListeners []func()
		startup, shutdown                          *util.Promise
		state                                      TaskState
	}
)

func (task *Task) GetTask() *Task {
	return task
}

func (task *Task) GetTaskID() uint32 {
	return task.ID
}

func (task *Task) GetState() TaskState {
	return task.state
}

func (task *Task) WaitStarted() error {
	return task.startup.Await()
}

func (task *Task) WaitStopped() (err error) {
	if err = task.startup.Await(); err != nil {
		return err
	}
	return task.shutdown.Await()
}

func (task *Task) Trace(msg string, fields ...any) {
	task.Log(task.Context, TraceLevel, msg, fields...)
}

func (task *Task) IsStopped() bool {
	return task.Err() != nil
}

func (task *Task) StopReason() error {
	return context.Cause(task.Context)
}

func (task *Task) StopReasonIs(err error) bool {
	return errors.Is(task.StopReason(), err)
}

func (task *Task) Stop(err error) {
	if err == nil {
		panic("task stop with nil error")
	}
	if task.CancelCauseFunc != nil {
		if task.Logger != nil {
			task.Debug("task stop", "reason", err, "elapsed", time.Since(task.StartTime), "taskId", task.ID)
		}
		task.CancelCauseFunc(err)
	}
}

func (task *Task) OnStart(listener func()) {
	task.afterStartListeners = append(task.afterStartListeners, listener)
}

func (task *Task) OnDispose(listener func()) {
	task.afterDisposeListeners = append(task.afterDisposeListeners, listener)
}

func (task *Task) init(parent context.Context, handler ITask, logger *slog.Logger) {
	task.handler = handler
	if task.ID == 0 {
		task.ID = GetNextTaskID()
	}
	if task.Logger == nil {
		task.Logger = logger
	}
	task.Context, task.CancelCauseFunc = context.WithCancelCause(parent)
	task.startup = util.NewPromise(task.Context)
	task.shutdown = util.NewPromise(context.Background())
}

// run drives one task from Start to Dispose on the calling goroutine.
func (task *Task) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			if ThrowPanic {
				panic(r)
			}
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			if task.Logger != nil {
				task.Error("panic", "error", err, "stack", string(debug.Stack()))
			}
		}
		if task.startup.IsPending() {
			task.startup.Fulfill(err)
		}
		if err == nil {
			err = ErrTaskComplete
		}
		task.Stop(err)
		task.dispose()
	}()
	task.StartTime = time.Now()
	task.state = TASK_STATE_STARTING
	if task.Logger != nil {
		task.Debug("task start", "taskId", task.ID)
	}
	if v, ok := task.handler.(TaskStarter); ok {
		err = v.Start()
	}
	task.startup.Fulfill(err)
	if err != nil {
		return
	}
	task.state = TASK_STATE_STARTED
	for _, listener := range task.afterStartListeners {
		listener()
	}
	if v, ok := task.handler.(TaskBlock); ok {
		task.state = TASK_STATE_RUNNING
		err = v.Run()
		return
	}
	<-task.Done()
	err = task.StopReason()
}

func (task *Task) dispose() {
	reason := task.StopReason()
	task.state = TASK_STATE_DISPOSING
	if task.Logger != nil {
		task.Debug("task dispose", "reason", reason, "taskId", task.ID)
	}
	if v, ok := task.handler.(TaskDisposal); ok {
		v.Dispose()
	}
	for _, listener := range task.afterDisposeListeners {
		listener()
	}
	task.state = TASK_STATE_DISPOSED
	task.shutdown.Fulfill(reason)
}
