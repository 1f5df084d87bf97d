package goCaptcha

import "errors"

var (
	// ErrRender reports that a Renderer (direct or offloaded) failed to
	// produce a challenge. The production slot is freed and the next tick
	// re-attempts; render failure is never fatal to the queue.
	ErrRender = errors.New("challenge render failed")
	// ErrProduceTimeout reports that a single production request exceeded
	// WorkerConfig.ProduceTimeout. When offloading, the worker process is
	// killed and respawned on the next production request.
	ErrProduceTimeout = errors.New("challenge production timed out")
	// ErrWorkerUnavailable reports that the worker process could not be
	// spawned or its channel broke mid-request.
	ErrWorkerUnavailable = errors.New("worker process unavailable")
	// ErrQueueTerminated is returned by Pop after Terminate.
	ErrQueueTerminated = errors.New("challenge queue terminated")
	// ErrQueueAlreadyStarted is returned by a second Start.
	ErrQueueAlreadyStarted = errors.New("challenge queue already started")
	// ErrStoreClosed is returned by Start after Close.
	ErrStoreClosed = errors.New("store closed")

	errSharedLimitUnavailable = errors.New("shared limit backend unavailable")
)
