package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/italolelis/blobtransfer/internal/logctx"
	"github.com/italolelis/blobtransfer/internal/telemetry"
	"github.com/italolelis/blobtransfer/internal/transfer"
)

// DefaultBacklog is the number of queued events above which the dispatcher
// warns about a slow delegate.
const DefaultBacklog = 1024

// EventKind identifies the delegate callback an Event is delivered to.
type EventKind string

const (
	EventUpdate   EventKind = "update"
	EventFail     EventKind = "fail"
	EventComplete EventKind = "complete"
	EventRemove   EventKind = "remove"
)

// Event is one delegate notification. Transfer is a clone owned by the event.
type Event struct {
	Kind     EventKind
	Transfer transfer.Transfer
	State    transfer.State
	Progress *transfer.Progress
	Err      error
}

// Dispatcher delivers events to a delegate from its own goroutine, in the
// order they were published. Publish never blocks, so a slow delegate cannot
// stall the workers that produce events.
type Dispatcher struct {
	delegate  transfer.Delegate
	backlog   int
	telemetry *telemetry.Telemetry
	logger    *slog.Logger

	mu      sync.Mutex
	pending []Event
	closed  bool
	warned  bool

	wake chan struct{}
	done chan struct{}
}

// NewDispatcher starts a dispatcher for d. backlog <= 0 selects
// DefaultBacklog.
func NewDispatcher(ctx context.Context, d transfer.Delegate, backlog int, tel *telemetry.Telemetry) *Dispatcher {
	if d == nil {
		d = transfer.NopDelegate{}
	}

	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	disp := &Dispatcher{
		delegate:  d,
		backlog:   backlog,
		telemetry: tel,
		logger:    logctx.LoggerFromContext(ctx).With("component", "dispatcher"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	go disp.run()

	return disp
}

// Delegate returns the delegate events are delivered to.
func (d *Dispatcher) Delegate() transfer.Delegate {
	return d.delegate
}

// Publish queues ev for delivery. Events published after Close are dropped.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("dropping event after close", "kind", ev.Kind, "transfer_id", ev.Transfer.ID())

		return
	}

	d.pending = append(d.pending, ev)

	if n := len(d.pending); n > d.backlog && !d.warned {
		d.warned = true
		d.logger.Warn("delegate is falling behind", "queued_events", n)
	} else if n <= d.backlog/2 {
		d.warned = false
	}

	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close delivers the events already published and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done

		return
	}

	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		closed := d.closed
		d.mu.Unlock()

		for _, ev := range batch {
			d.deliver(ev)
		}

		if len(batch) > 0 {
			continue
		}

		if closed {
			return
		}

		<-d.wake
	}
}

func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delegate callback panicked",
				"kind", ev.Kind,
				"transfer_id", ev.Transfer.ID(),
				"panic", fmt.Sprint(r))
			d.telemetry.RecordDelegateFailure(context.Background(), string(ev.Kind))
		}
	}()

	switch ev.Kind {
	case EventUpdate:
		d.delegate.TransferDidUpdate(ev.Transfer, ev.State, ev.Progress)
	case EventFail:
		d.delegate.TransferDidFail(ev.Transfer, ev.Err)
	case EventComplete:
		d.delegate.TransferDidComplete(ev.Transfer)
	case EventRemove:
		d.delegate.TransferDidRemove(ev.Transfer)
	}
}
