package goCaptcha

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples the hot path from the sink. Events are
// buffered in a channel and delivered by a single goroutine; with
// DropIfFull the hot path never blocks on a slow sink.
type auditDispatcher struct {
	cfg  AuditConfig
	sink AuditSink

	ch        chan AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled || sink == nil {
		return nil
	}
	d := &auditDispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan AuditEvent, cfg.BufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.ch:
			d.sink.Emit(context.Background(), ev)
		case <-d.done:
			// Drain whatever was enqueued before close.
			for {
				select {
				case ev := <-d.ch:
					d.sink.Emit(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// emit enqueues an event. Nil-safe so call sites need no enabled check.
func (d *auditDispatcher) emit(ev AuditEvent) {
	if d == nil {
		return
	}
	if d.cfg.DropIfFull {
		select {
		case d.ch <- ev:
		default:
			if d.dropped.Add(1) == 1 {
				log.Print("goCaptcha: audit buffer full, dropping events")
			}
		}
		return
	}
	select {
	case d.ch <- ev:
	case <-d.done:
	}
}

// droppedCount reports events lost to a full buffer.
func (d *auditDispatcher) droppedCount() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// close stops the worker after draining buffered events.
func (d *auditDispatcher) close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
