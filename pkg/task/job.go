package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var idG atomic.Uint32

func GetNextTaskID() uint32 {
	return idG.Add(1)
}

// Job owns child tasks; stopping a job stops every child and the job
// is only disposed after all children are.
type Job struct {
	Task
	children sync.WaitGroup
}

// Init prepares a root job bound to ctx.
func (mt *Job) Init(ctx context.Context, logger *slog.Logger) {
	mt.init(ctx, mt, logger)
	mt.StartTime = time.Now()
	mt.state = TASK_STATE_STARTED
	mt.startup.Fulfill(nil)
	go func() {
		<-mt.Done()
		mt.children.Wait()
		mt.dispose()
	}()
}

// AddTask starts t as a child of the job. Options may be a
// context.Context overriding the parent context or a *slog.Logger.
func (mt *Job) AddTask(t ITask, opt ...any) *Task {
	task := t.GetTask()
	parentCtx, logger := context.Context(mt.Context), mt.Logger
	for _, o := range opt {
		switch v := o.(type) {
		case context.Context:
			parentCtx = v
		case *slog.Logger:
			logger = v
		}
	}
	if mt.IsStopped() {
		task.init(parentCtx, t, logger)
		task.startup.Fulfill(mt.StopReason())
		return task
	}
	if parentCtx != mt.Context {
		parentCtx = mergeCancel(parentCtx, mt.Context)
	}
	task.init(parentCtx, t, logger)
	mt.children.Add(1)
	go func() {
		defer mt.children.Done()
		task.run()
	}()
	return task
}

// mergeCancel returns a context derived from ctx that is also cancelled, with
// the same cause, when parent is.
func mergeCancel(ctx, parent context.Context) context.Context {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(parent, func() {
		cancel(context.Cause(parent))
	})
	context.AfterFunc(merged, func() {
		stop()
	})
	return merged
}
