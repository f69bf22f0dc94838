package continuation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Worker struct {
	engine   *Engine
	workerID string
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewWorker(engine *Engine, interval time.Duration) *Worker {
	workerID := uuid.New().String()

	return &Worker{
		engine:   engine,
		workerID: workerID,
		interval: interval,
		logger:   engine.logger.Named("worker").With(zap.String("worker_id", workerID)),
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) ID() string {
	return w.workerID
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("continuation worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("continuation worker stopping: context cancelled")

			return
		case <-w.stopCh:
			w.logger.Info("continuation worker stopping: stop signal received")

			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain keeps executing jobs until the queue has nothing due or a job fails.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case <-w.stopCh:
			return
		default:
		}

		empty, err := w.engine.ExecuteNext(ctx, w.workerID)
		if err != nil {
			w.logger.Error("execute next job", zap.Error(err))

			return
		}

		if empty {
			return
		}
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

type WorkerPool struct {
	workers []*Worker
	engine  *Engine
	wg      sync.WaitGroup
}

func NewWorkerPool(engine *Engine, size int, interval time.Duration) *WorkerPool {
	if size < 1 {
		size = 1
	}

	workers := make([]*Worker, size)
	for i := 0; i < size; i++ {
		workers[i] = NewWorker(engine, interval)
	}

	return &WorkerPool{
		workers: workers,
		engine:  engine,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		p.wg.Add(1)

		go func(w *Worker) {
			defer p.wg.Done()
			w.Start(ctx)
		}(worker)
	}
}

// Stop signals every worker and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	for _, worker := range p.workers {
		worker.Stop()
	}

	p.wg.Wait()
}
