// Package qmevents builds the optional queue-management bookkeeping
// events a pool emits on worker lifecycle transitions (spec.md section
// 4.7), and provides a small local broker that in-process observers can
// subscribe to without being a queue consumer. Only the package's own
// tests publish to or subscribe to a Broker; the pool does not publish
// its transitions on one.
package qmevents

import (
	"sync"
	"time"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/types"
)

// Kind is the closed set of queue-management event types.
type Kind string

const (
	WorkerStartup     Kind = "worker-startup"
	PersistentStartup Kind = "persistent-startup"
	PersistentDied    Kind = "persistent-died"
	Done              Kind = "done"
)

func maskFor(k Kind) types.ManagementEventMask {
	switch k {
	case WorkerStartup:
		return types.MgmtWorkerStartup
	case PersistentStartup:
		return types.MgmtPersistentStartup
	case PersistentDied:
		return types.MgmtPersistentDied
	case Done:
		return types.MgmtDone
	default:
		return 0
	}
}

// Enabled reports whether desc is configured to emit management events
// of kind k: a managementQueue must be set and its mask must include k.
func Enabled(desc *types.QueueDescriptor, k Kind) bool {
	return desc.ManagementQueue != "" && desc.ManagementMask.Has(maskFor(k))
}

func newManagementEvent(desc *types.QueueDescriptor, k Kind) *event.Event {
	ev := &event.Event{
		Kind:      event.Kind(string(desc.ManagementKind)),
		DestQueue: desc.ManagementQueue,
	}
	ev.Params.Set("type", event.StringParam(string(k)))
	return ev
}

// WorkerStartupEvent reports a pool creating or retiring a worker slot.
// oldPid is 0 on initial creation; newPid is 0 when the slot is being
// removed rather than respawned.
func WorkerStartupEvent(desc *types.QueueDescriptor, ownQueue string, oldPid, newPid int) *event.Event {
	ev := newManagementEvent(desc, WorkerStartup)
	ev.Params.Set("ownqueue", event.StringParam(ownQueue))
	ev.Params.Set("oldpid", event.IntParam(int64(oldPid)))
	ev.Params.Set("newpid", event.IntParam(int64(newPid)))
	return ev
}

// PersistentStartupEvent reports a persistent child successfully
// spawned under a worker slot.
func PersistentStartupEvent(desc *types.QueueDescriptor, ownQueue string, workerPid, childPid int, scriptCmd string) *event.Event {
	ev := newManagementEvent(desc, PersistentStartup)
	ev.Params.Set("ownqueue", event.StringParam(ownQueue))
	ev.Params.Set("workerpid", event.IntParam(int64(workerPid)))
	ev.Params.Set("childpid", event.IntParam(int64(childPid)))
	ev.Params.Set("scriptcmd", event.StringParam(scriptCmd))
	return ev
}

// PersistentDiedEvent reports a persistent child's exit.
func PersistentDiedEvent(desc *types.QueueDescriptor, ownQueue string, workerPid, childPid int, scriptCmd string, exitStatus int, termSignal int, errorString string, cause types.FailureCause) *event.Event {
	ev := newManagementEvent(desc, PersistentDied)
	ev.Params.Set("ownqueue", event.StringParam(ownQueue))
	ev.Params.Set("workerpid", event.IntParam(int64(workerPid)))
	ev.Params.Set("childpid", event.IntParam(int64(childPid)))
	ev.Params.Set("scriptcmd", event.StringParam(scriptCmd))
	ev.Params.Set("exitstatus", event.IntParam(int64(exitStatus)))
	ev.Params.Set("termsignal", event.IntParam(int64(termSignal)))
	ev.Params.Set("errorstring", event.StringParam(errorString))
	ev.Params.Set("failurecause", event.StringParam(string(cause)))
	return ev
}

// Transition is what the local Broker distributes: the same bookkeeping
// a management event carries, kept as a typed Go value for in-process
// subscribers that would otherwise have to re-parse a wire event.
type Transition struct {
	Kind      Kind
	Queue     string
	WorkerPID int
	ChildPID  int
	At        time.Time
}

// Subscriber is a channel that receives lifecycle transitions.
type Subscriber chan Transition

// Broker fans published lifecycle transitions out to in-process
// subscribers, independent of whether the queue descriptor has a
// managementQueue configured for wire delivery.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe returns a buffered channel that receives all future
// transitions published on this broker.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 32)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe stops and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans t out to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (b *Broker) Publish(t Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- t:
		default:
		}
	}
}
