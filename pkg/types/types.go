// Package types holds the small shared vocabulary used across the nucleus,
// pool, worker and child packages: queue descriptors, resource limits and
// the handful of enums every layer needs to agree on.
package types

import (
	"time"

	"github.com/cuemby/txproc/pkg/health"
)

// QueueKind distinguishes a plain FIFO queue from a collection queue whose
// workers are individually addressable by slot number (an event's
// sub-queue id).
type QueueKind string

const (
	QueueStraight   QueueKind = "straight"
	QueueCollection QueueKind = "collection"
)

// FailureCause is the closed set of reasons an execution can fail, attached
// to result events and recovery-log entries.
type FailureCause string

const (
	CauseNone            FailureCause = ""
	CauseExpired         FailureCause = "expired"
	CauseExecFailure     FailureCause = "execFailure"
	CauseNoFailOrSuccess FailureCause = "noFailOrSuccess"
	CauseSIGTERM         FailureCause = "SIGTERM"
	CauseSIGKILL         FailureCause = "SIGKILL"
	CauseQueueFull       FailureCause = "queueFull"
	CauseFrozen          FailureCause = "frozen"
	CauseUnknownQueue    FailureCause = "unknownQueue"
	CauseWorkerCrash     FailureCause = "workerCrash"
)

// ResourceLimits mirrors the POSIX rlimits the original applies to a worker
// process before it execs a child. Zero means "don't set this limit".
type ResourceLimits struct {
	AddressSpace int64 // RLIMIT_AS, bytes
	CPUSeconds   int64 // RLIMIT_CPU, seconds
	DataSegment  int64 // RLIMIT_DATA, bytes
	FileSize     int64 // RLIMIT_FSIZE, bytes
	Stack        int64 // RLIMIT_STACK, bytes
}

// ManagementEventMask selects which QueueManagementEvents a queue emits.
type ManagementEventMask uint8

const (
	MgmtWorkerStartup ManagementEventMask = 1 << iota
	MgmtPersistentStartup
	MgmtPersistentDied
	MgmtDone
)

func (m ManagementEventMask) Has(bit ManagementEventMask) bool { return m&bit != 0 }

// ManagementEventKind is the event kind used to wrap a management event
// before it is routed to the configured management queue.
type ManagementEventKind string

const (
	MgmtKindInterpreter ManagementEventKind = "interpreter"
	MgmtKindBinary      ManagementEventKind = "binary"
	MgmtKindURL         ManagementEventKind = "url"
)

// QueueDescriptor is immutable for the lifetime of a queue except for the
// handful of fields the nucleus-conf command may rewrite in place
// (MaxLength, MaxExecTime). A nucleus-conf resize changes the pool's live
// slot count through pool.Resize and leaves Workers as configured.
type QueueDescriptor struct {
	Name     string
	Kind     QueueKind
	Workers  int
	MaxLength int
	MaxExecTime time.Duration // 0 = unlimited
	MaxRetries  int

	// PersistentApp is the command line of a long-lived child; empty means
	// one-shot fork+exec+wait per event.
	PersistentApp []string

	DefaultScript string
	DefaultURL    string

	// ErrorQueue, when set, receives re-typed `error` events instead of the
	// failure being written to the recovery log.
	ErrorQueue string

	ManagementQueue string
	ManagementMask  ManagementEventMask
	ManagementKind  ManagementEventKind

	BRunPrivileged        bool
	BBlockingWorkerSocket bool
	ParseResponseForObject bool

	Limits ResourceLimits

	// Shell/interpreter used to assemble script/interpreter kind command
	// lines; empty Shell defaults to /bin/sh.
	Shell       string
	Interpreter string

	// Output-scanning configuration for one-shot bStandardResponse children.
	BStandardResponse bool
	SuccessMarker     string
	FailureMarker     string
	ErrorPrefix       string
	TracePrefix       string
	ParamPrefix       string

	// RespawnDelay bounds the pause before a dead persistent child is
	// relaunched (SIGCHLD masked for this long in the original).
	RespawnDelay time.Duration

	// HealthCheck, when set on a persistent-app queue, is polled by the
	// owning pool on HealthCheckConfig's interval; exhausting its retry
	// budget is treated like an unexpected child exit.
	HealthCheck       health.Checker
	HealthCheckConfig health.Config
}

// Clone returns a deep-enough copy for safe handoff across goroutines.
func (d *QueueDescriptor) Clone() *QueueDescriptor {
	c := *d
	c.PersistentApp = append([]string(nil), d.PersistentApp...)
	return &c
}
