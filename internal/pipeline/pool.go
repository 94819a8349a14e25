package pipeline

import (
	"context"
	"log"
	"sync"
	"time"
)

// WorkerPool runs submissions through the pipeline concurrently.
//
// Architecture:
//   - Each worker runs in its own goroutine
//   - Workers pull jobs from a shared buffered channel
//   - Errors are logged but don't stop the worker
//
// Lifecycle:
//  1. Start: workers begin listening on the jobs channel
//  2. Process: each job runs the full stage machine
//  3. Repeat: continue until the jobs channel closes
//  4. Close: wait for in-flight jobs to finish
type WorkerPool struct {
	pipeline    *Pipeline
	jobs        chan Submission
	wg          sync.WaitGroup
	workerCount int
	jobTimeout  time.Duration
}

// NewWorkerPool creates and starts a pool of pipeline workers.
//
// The job buffer absorbs submission bursts; Submit reports backpressure
// instead of blocking when the buffer fills.
func NewWorkerPool(p *Pipeline, workerCount int, jobTimeout time.Duration) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	log.Printf("  → Creating pipeline worker pool with %d workers...", workerCount)

	pool := &WorkerPool{
		pipeline:    p,
		jobs:        make(chan Submission, 100),
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
	}
	for i := 0; i < workerCount; i++ {
		pool.wg.Add(1)
		go pool.worker(i + 1)
	}

	log.Printf("  ✓ Worker pool started with %d workers", workerCount)
	return pool
}

// Submit queues a submission for processing.
//
// Non-blocking: returns false when the buffer is full so the API can
// answer 503 instead of stalling the request.
func (wp *WorkerPool) Submit(sub Submission) bool {
	select {
	case wp.jobs <- sub:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (wp *WorkerPool) Close() {
	close(wp.jobs)
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log.Printf("  ✓ Pipeline worker #%d started", id)

	for sub := range wp.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), wp.jobTimeout)
		summary, err := wp.pipeline.Process(ctx, sub)
		cancel()

		if err != nil {
			log.Printf("  [Worker #%d] ✗ Processing failed: %v", id, err)
			continue
		}
		log.Printf("  [Worker #%d] ✓ Processed %s", id, summary.ComplaintID)
	}

	log.Printf("  ✓ Pipeline worker #%d stopped", id)
}
