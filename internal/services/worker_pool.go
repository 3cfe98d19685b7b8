package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ciflow/pkg/config"
	"ciflow/pkg/logger"
	"ciflow/pkg/metrics"
	"ciflow/pkg/queue"

	"github.com/sirupsen/logrus"
)

// JobHandler processes one dequeued job. The job is acked whatever it returns.
type JobHandler func(ctx context.Context, msg *queue.JobMessage) error

type registration struct {
	queue       string
	concurrency int
	handler     JobHandler
}

// WorkerPool runs consumer goroutines per named queue
type WorkerPool struct {
	source  JobSource
	cfg     config.WorkerConfig
	metrics *metrics.Metrics

	registrations []registration
	deadLetters   map[string]JobHandler
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	log           *logrus.Entry
}

// NewWorkerPool creates a pool reading from source. m may be nil.
func NewWorkerPool(source JobSource, cfg config.WorkerConfig, m *metrics.Metrics) *WorkerPool {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if cfg.HeartbeatInterval <= 0 && cfg.LeaseTimeout > 0 {
		cfg.HeartbeatInterval = cfg.LeaseTimeout / 3
	}
	return &WorkerPool{
		source:      source,
		cfg:         cfg,
		metrics:     m,
		deadLetters: make(map[string]JobHandler),
		log:         logger.WithComponent("worker_pool"),
	}
}

// Register adds concurrency consumers of queueName. Must be called before Start.
func (p *WorkerPool) Register(queueName string, concurrency int, handler JobHandler) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.registrations = append(p.registrations, registration{
		queue:       queueName,
		concurrency: concurrency,
		handler:     handler,
	})
}

// OnDeadLetter sets the handler called for each job of queueName that recovery
// moves to the dead list. Must be called before Start.
func (p *WorkerPool) OnDeadLetter(queueName string, handler JobHandler) {
	p.deadLetters[queueName] = handler
}

// Start launches the consumers and the orphan recovery loop
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.cancel != nil {
		return fmt.Errorf("worker pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, reg := range p.registrations {
		for i := 0; i < reg.concurrency; i++ {
			p.wg.Add(1)
			go p.consume(reg, i)
		}
		p.log.WithFields(logrus.Fields{
			"queue":       reg.queue,
			"concurrency": reg.concurrency,
		}).Info("Queue consumers started")
	}

	if p.cfg.RecoverInterval > 0 {
		p.startRecovery()
	}
	return nil
}

// Stop cancels the consumers and waits until they return or ctx expires
func (p *WorkerPool) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("All queue consumers stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("Timed out waiting for queue consumers")
		return ctx.Err()
	}
}

func (p *WorkerPool) consume(reg registration, consumerID int) {
	defer p.wg.Done()

	log := p.log.WithFields(logrus.Fields{
		"queue":       reg.queue,
		"consumer_id": consumerID,
	})

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, err := p.source.Dequeue(p.ctx, reg.queue, p.cfg.DequeueTimeout)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Errorf("Dequeue failed: %v", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.process(log, reg, msg)
	}
}

func (p *WorkerPool) process(log *logrus.Entry, reg registration, msg *queue.JobMessage) {
	jobLog := log.WithFields(logrus.Fields{
		"job_id":   msg.JobID,
		"attempts": msg.Attempts,
	})

	stopHeartbeat := p.heartbeat(jobLog, msg)
	start := time.Now()
	err := p.invoke(p.ctx, reg.handler, msg)
	p.metrics.ObserveJob(reg.queue, time.Since(start), err)
	stopHeartbeat()

	if err != nil {
		jobLog.Warnf("Job finished with error: %v", err)
	} else {
		jobLog.Debug("Job finished")
	}

	// acks outlive the pool context
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.source.Ack(ackCtx, msg); err != nil {
		jobLog.Errorf("Ack failed: %v", err)
	}
}

func (p *WorkerPool) invoke(ctx context.Context, handler JobHandler, msg *queue.JobMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// heartbeat renews the lease of msg until the returned func is called
func (p *WorkerPool) heartbeat(log *logrus.Entry, msg *queue.JobMessage) func() {
	if p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := p.source.ExtendLease(context.Background(), msg)
				if err != nil {
					log.Warnf("Lease renewal failed: %v", err)
					continue
				}
				if !ok {
					log.Warn("Job lease lost while running")
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (p *WorkerPool) startRecovery() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.RecoverInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.RecoverOnce(p.ctx)
			}
		}
	}()
}

// RecoverOnce requeues expired leases on every registered queue and hands
// dead-lettered jobs to the queue's dead-letter handler
func (p *WorkerPool) RecoverOnce(ctx context.Context) {
	for _, reg := range p.registrations {
		requeued, dead, err := p.source.RecoverOrphaned(ctx, reg.queue, p.cfg.LeaseTimeout, p.cfg.MaxAttempts)
		if err != nil {
			p.log.WithField("queue", reg.queue).Warnf("Orphan recovery failed: %v", err)
		}
		if requeued > 0 || len(dead) > 0 {
			p.log.WithFields(logrus.Fields{
				"queue":    reg.queue,
				"requeued": requeued,
				"dead":     len(dead),
			}).Warn("Recovered orphaned jobs")
		}

		handler := p.deadLetters[reg.queue]
		if handler == nil {
			continue
		}
		for _, msg := range dead {
			if err := p.invoke(ctx, handler, msg); err != nil {
				p.log.WithFields(logrus.Fields{
					"queue":  reg.queue,
					"job_id": msg.JobID,
				}).Errorf("Dead-letter handler failed: %v", err)
			}
		}
	}
}
