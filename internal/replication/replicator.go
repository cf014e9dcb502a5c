// Package replication ties the protocol client, the run state machine, and
// the pull/push pipelines into the public Replicator type: a single push or
// pull run between the local document store and a remote endpoint.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/steveyegge/docreplica/internal/config"
	"github.com/steveyegge/docreplica/internal/docstore"
	"github.com/steveyegge/docreplica/internal/eventbus"
	"github.com/steveyegge/docreplica/internal/replication/protocol"
)

// Listener receives exactly one terminal notification per run: either
// OnComplete, OnStopped, or OnError fires once. Any hook may be left nil —
// capability dispatch, the same no-inheritance shape the interceptor chain
// and event bus use elsewhere in this module.
type Listener struct {
	OnComplete func(Stats)
	OnStopped  func(Stats)
	OnError    func(err error, stats Stats)
}

// Replicator drives one push or pull run: the run state machine wrapped
// around the pull or push pipeline.
type Replicator struct {
	direction Direction
	replID    string
	client    protocol.Client
	store     *docstore.Store
	cfg       config.ReplicatorConfig

	machine *machine
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	listeners []Listener
	stats     Stats
}

// New builds a Replicator for one direction against client. The replication
// id is derived from cfg, so repeated runs with the same source, target,
// and filter configuration share a checkpoint regardless of process
// restarts.
func New(client protocol.Client, store *docstore.Store, cfg config.ReplicatorConfig, direction Direction) *Replicator {
	return &Replicator{
		direction: direction,
		replID:    ID(cfg.SourceURI, cfg.TargetURI, cfg.FilterConfig, direction),
		client:    client,
		store:     store,
		cfg:       cfg,
		machine:   newMachine(),
		done:      make(chan struct{}),
	}
}

// ReplicationID returns the stable id this run's checkpoint is filed under.
func (r *Replicator) ReplicationID() string { return r.replID }

// Subscribe registers l to receive this run's single terminal notification.
// Call it before Start; listeners added mid-run are not guaranteed to be
// notified.
func (r *Replicator) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// State returns the current state and, once State() == StateError, the
// first fatal error observed.
func (r *Replicator) State() (State, error) {
	return r.machine.get()
}

// Stats returns a snapshot of this run's progress counters.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Done returns a channel closed once the replicator reaches a terminal
// state (COMPLETE, STOPPED, or ERROR).
func (r *Replicator) Done() <-chan struct{} { return r.done }

// Start transitions PENDING -> STARTED and runs the configured pipeline on
// a background goroutine, derived from ctx so the caller's own cancellation
// also stops the run. Returns ErrIllegalState if this Replicator has
// already been started.
func (r *Replicator) Start(ctx context.Context) error {
	if err := r.machine.start(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.dispatchEvent(eventbus.EventReplicationStarted, nil)
	go r.run(runCtx)
	return nil
}

// Stop requests cancellation. From PENDING it jumps straight to STOPPED —
// no pipeline ever ran, so there is nothing to drain. From STARTED it
// moves to STOPPING and cancels the run context, which every suspension
// point in the active pipeline observes. Stop is idempotent
// and safe to call from any state, any number of times, from any
// goroutine.
func (r *Replicator) Stop() {
	switch r.machine.stop() {
	case stopPendingToStopped:
		r.notify(StateStopped, nil)
		close(r.done)
	case stopStartedToStopping:
		if r.cancel != nil {
			r.cancel()
		}
	}
}

func (r *Replicator) run(ctx context.Context) {
	defer close(r.done)

	var pipelineErr error
	var stats Stats
	switch r.direction {
	case DirectionPull:
		stats, pipelineErr = newPullPipeline(r.client, r.store, r.cfg, r.replID).run(ctx, r.setStats)
	case DirectionPush:
		stats, pipelineErr = newPushPipeline(r.client, r.store, r.cfg, r.replID).run(ctx, r.setStats)
	default:
		pipelineErr = fmt.Errorf("replication: unknown direction %q", r.direction)
	}
	r.setStats(stats)

	if pipelineErr != nil && (errors.Is(pipelineErr, context.Canceled) || errors.Is(pipelineErr, ErrCancelled)) {
		// A cancellation of the caller's ctx arrives without Stop having
		// moved the machine to STOPPING; make that move here.
		r.machine.stop()
		if r.machine.drained() {
			r.notify(StateStopped, nil)
			return
		}
	}
	if pipelineErr != nil {
		if r.machine.fail(pipelineErr) {
			r.notify(StateError, pipelineErr)
		}
		return
	}
	if r.machine.complete() {
		r.notify(StateComplete, nil)
	}
}

func (r *Replicator) setStats(s Stats) {
	r.mu.Lock()
	r.stats = s
	r.mu.Unlock()
}

func (r *Replicator) notify(state State, err error) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	stats := r.stats
	r.mu.Unlock()

	for _, l := range listeners {
		switch state {
		case StateComplete:
			if l.OnComplete != nil {
				l.OnComplete(stats)
			}
		case StateStopped:
			if l.OnStopped != nil {
				l.OnStopped(stats)
			}
		case StateError:
			if l.OnError != nil {
				l.OnError(err, stats)
			}
		}
	}

	switch state {
	case StateComplete:
		log.Printf("replication: %s %s complete: %s", r.direction, r.replID, stats)
		r.dispatchEvent(eventbus.EventReplicationComplete, nil)
	case StateError:
		r.dispatchEvent(eventbus.EventReplicationErrored, err)
	}
}

// dispatchEvent posts a lifecycle event to the store's bus. A background
// context is used because terminal notifications outlive the run context.
func (r *Replicator) dispatchEvent(t eventbus.EventType, err error) {
	ev := &eventbus.Event{Type: t, ReplicaID: r.replID}
	if err != nil {
		ev.Err = err.Error()
	}
	_, _ = r.store.Bus().Dispatch(context.Background(), ev)
}
