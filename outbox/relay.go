package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gosaga/emitter"
	"github.com/3rs4lg4d0/gosaga/repository"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a relay pass.
type Report struct {
	Delivered int
	Failed    int
}

// Start launches the relay in background until ctx is done.
func (o *Outbox) Start(ctx context.Context) {
	o.logger.Debug(fmt.Sprintf("starting outbox relay '%s'", o.id))
	go o.launchDispatcher(ctx)
}

// launchDispatcher starts a subscription loop to attempt the registration of
// the dispatcher within the 'outbox_dispatcher_subscription'. Only subscribed
// dispatchers relay outbox records. The loop also keeps the "alive_at" mark
// fresh so that the subscription is not stolen.
func (o *Outbox) launchDispatcher(ctx context.Context) {
	ticker := time.NewTicker(o.settings.SubscriptionInterval)
	defer ticker.Stop()
	var stopLoop context.CancelFunc
	defer func() {
		if stopLoop != nil {
			stopLoop()
		}
	}()

	for {
		if stopLoop == nil {
			if success, subscription, err := o.repository.SubscribeDispatcher(ctx, o.id, o.settings.MaxDispatchers); success {
				o.logger.Debug(fmt.Sprintf("subscription '%d' assigned to dispatcher '%s'", subscription, o.id))
				var loopCtx context.Context
				loopCtx, stopLoop = context.WithCancel(ctx)
				go o.executeDispatcherLoop(loopCtx)
			} else if err != nil {
				o.logger.Error(fmt.Sprintf("trying to subscribe dispatcher '%s'", o.id), err)
			}
		} else {
			updated, err := o.repository.UpdateSubscription(ctx, o.id)
			if err != nil {
				o.logger.Error("updating subscription", err)
			} else if !updated {
				o.logger.Error("subscription not updated", errors.New("stolen subscription"))
				stopLoop()
				stopLoop = nil
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// executeDispatcherLoop implements the main relay loop. A pass runs on every
// polling tick or commit notification; passes with broker failures make the
// loop back off exponentially without ever giving up.
func (o *Outbox) executeDispatcherLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.settings.InitialBackoff
	b.MaxInterval = o.settings.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	backingOff := false

	for {
		notify := o.notify
		if backingOff {
			notify = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-notify:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report, err := o.RunOnce(ctx)
		if err != nil {
			o.logger.Error("relaying the outbox", err)
		}

		wait := o.settings.PollingInterval
		if report.Failed > 0 {
			wait = b.NextBackOff()
			backingOff = true
			o.logger.Warn(fmt.Sprintf("%d outbox records could not be delivered, retrying in %s", report.Failed, wait))
		} else {
			b.Reset()
			backingOff = false
		}
		timer.Reset(wait)
	}
}

// RunOnce performs a single relay pass if the outbox lock can be acquired.
func (o *Outbox) RunOnce(ctx context.Context) (Report, error) {
	acquired, err := o.repository.AcquireLock(ctx, o.id)
	if err != nil {
		return Report{}, fmt.Errorf("unable to get the lock: %w", err)
	}
	if !acquired {
		return Report{}, nil
	}
	defer func() {
		if err := o.repository.ReleaseLock(context.WithoutCancel(ctx), o.id); err != nil {
			o.logger.Error("releasing the outbox lock", err)
		}
	}()
	return o.processOutbox(ctx), nil
}

// stream holds the records of one aggregate in creation order.
type stream struct {
	key     string
	records []*repository.OutboxRecord
}

// processOutbox scans the unpublished records within the limits defined by
// Settings.MaxEventsPerInterval and delivers them in batches. Records of the
// same aggregate are delivered one after another and the first failure stops
// the aggregate for the rest of the pass, so per aggregate order holds.
func (o *Outbox) processOutbox(ctx context.Context) Report {
	var (
		mu      sync.Mutex
		report  Report
		blocked = map[string]bool{}
	)

	o.logger.Debug("processing outbox records")

	err := o.repository.FindInBatches(ctx, o.settings.MaxEventsPerBatch, o.settings.MaxEventsPerInterval, func(batch []*repository.OutboxRecord) error {
		var delivered []uuid.UUID
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.settings.MaxConcurrentAggregates)

		for _, s := range groupByAggregate(batch) {
			s := s
			mu.Lock()
			skip := blocked[s.key]
			mu.Unlock()
			if skip {
				continue
			}
			g.Go(func() error {
				for _, rec := range s.records {
					if err := o.deliver(gctx, rec); err != nil {
						o.logger.Error(fmt.Sprintf("delivery problem for record '%s'", rec.Id), err)
						o.errorCtr.Inc(1)
						mu.Lock()
						blocked[s.key] = true
						report.Failed++
						mu.Unlock()
						return nil
					}
					o.successCtr.Inc(1)
					mu.Lock()
					delivered = append(delivered, rec.Id)
					report.Delivered++
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(delivered) > 0 {
			o.logger.Debug(fmt.Sprintf("marking %d records as published", len(delivered)))
			if err := o.repository.MarkInBatches(ctx, o.settings.MaxEventsPerBatch, delivered); err != nil {
				// they will be delivered again in the next pass.
				return fmt.Errorf("marking delivered records: %w", err)
			}
		}
		return ctx.Err()
	})

	if err != nil {
		o.logger.Error("when trying to get outbox rows in batches", err)
	}

	o.logger.Info(fmt.Sprintf("%d outbox records were successfully delivered (with %d failed)", report.Delivered, report.Failed))
	return report
}

// deliver emits a record and waits for the broker acknowledgement.
func (o *Outbox) deliver(ctx context.Context, rec *repository.OutboxRecord) error {
	dc := make(chan *emitter.DeliveryReport, 1)
	if err := o.emitter.Emit(rec, dc); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	timeout := time.NewTimer(o.settings.DeliveryTimeout)
	defer timeout.Stop()

	select {
	case dr := <-dc:
		if dr.Error != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, dr.Error)
		}
		if dr.Details != "" {
			o.logger.Debug(dr.Details)
		}
		return nil
	case <-timeout.C:
		return fmt.Errorf("%w: no acknowledgement after %s", ErrBrokerUnavailable, o.settings.DeliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// groupByAggregate splits a batch into per aggregate streams keeping both the
// order of first appearance and the record order inside each stream.
func groupByAggregate(batch []*repository.OutboxRecord) []*stream {
	var streams []*stream
	index := map[string]*stream{}
	for _, rec := range batch {
		key := rec.AggregateType + "/" + rec.AggregateId
		s, ok := index[key]
		if !ok {
			s = &stream{key: key}
			index[key] = s
			streams = append(streams, s)
		}
		s.records = append(s.records, rec)
	}
	return streams
}
