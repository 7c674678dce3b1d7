package child

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/types"
)

// ErrNotPersistent is returned by persistent-only operations on a child
// not configured with a PersistentApp command line.
var ErrNotPersistent = errors.New("child: queue has no persistent app configured")

// ExitResult is what waitForChildExit in spec.md section 4.3 returns.
type ExitResult struct {
	Success     bool
	ExitStatus  int
	TermSignal  syscall.Signal
	FailureCause types.FailureCause
}

// Child drives the external program for one queue descriptor. A Child is
// owned by exactly one Worker goroutine; it is not safe for concurrent
// use by more than one goroutine at a time.
type Child struct {
	desc *types.QueueDescriptor

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	pid     int
}

// New returns a Child driven by desc. desc is not cloned; callers must not
// mutate it concurrently with the Child's use of it.
func New(desc *types.QueueDescriptor) *Child {
	return &Child{desc: desc}
}

// Persistent reports whether this queue's children are long-lived.
func (c *Child) Persistent() bool { return len(c.desc.PersistentApp) > 0 }

// Pid returns the current child's OS pid, or 0 if none is running.
func (c *Child) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// buildArgv assembles the child's command line from the queue descriptor
// and the event's kind/scriptName/params, per spec.md section 4.3.
func buildArgv(desc *types.QueueDescriptor, kind event.Kind, scriptName string, params event.ExecParams) ([]string, error) {
	if scriptName == "" {
		scriptName = desc.DefaultScript
	}
	if scriptName == "" && kind != event.KindBinary {
		return nil, fmt.Errorf("child: no scriptName and no defaultScript configured")
	}

	switch kind {
	case event.KindScript:
		shell := desc.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		cmdline := shellQuote(scriptName)
		for _, p := range positionalStrings(params) {
			cmdline += " " + shellQuote(p)
		}
		return []string{shell, "-c", cmdline}, nil

	case event.KindInterpreter:
		if desc.Interpreter == "" {
			return nil, fmt.Errorf("child: interpreter kind requires queue.interpreter")
		}
		argv := []string{desc.Interpreter, scriptName}
		argv = append(argv, positionalStrings(params)...)
		return argv, nil

	case event.KindBinary:
		argv := []string{scriptName}
		argv = append(argv, positionalStrings(params)...)
		return argv, nil

	default:
		return nil, fmt.Errorf("child: unsupported exec kind %q", kind)
	}
}

// shellQuote single-quotes s for safe inclusion in a `sh -c` command line,
// escaping embedded single quotes as '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func positionalStrings(params event.ExecParams) []string {
	out := make([]string, 0, len(params.Positional))
	for _, p := range params.Positional {
		out = append(out, p.String())
	}
	return out
}

// wrapWithRlimits prefixes argv with a shell invocation of ulimit when
// limits has any nonzero field. Go's os/exec has no per-child rlimit hook
// (SysProcAttr does not expose Setrlimit before exec on Linux); shelling
// through ulimit before exec'ing the real argv is the common workaround
// and keeps the limits applied in the same process that execs the child,
// matching the "applied to the worker process before it spawns children"
// requirement without a custom forkExec implementation.
func wrapWithRlimits(argv []string, limits types.ResourceLimits) []string {
	var parts []string
	if limits.AddressSpace > 0 {
		parts = append(parts, fmt.Sprintf("-v %d", limits.AddressSpace/1024))
	}
	if limits.CPUSeconds > 0 {
		parts = append(parts, fmt.Sprintf("-t %d", limits.CPUSeconds))
	}
	if limits.DataSegment > 0 {
		parts = append(parts, fmt.Sprintf("-d %d", limits.DataSegment/1024))
	}
	if limits.FileSize > 0 {
		parts = append(parts, fmt.Sprintf("-f %d", limits.FileSize/1024))
	}
	if limits.Stack > 0 {
		parts = append(parts, fmt.Sprintf("-s %d", limits.Stack/1024))
	}
	if len(parts) == 0 {
		return argv
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	cmdline := fmt.Sprintf("ulimit %s; exec %s", strings.Join(parts, " "), strings.Join(quoted, " "))
	return []string{"/bin/sh", "-c", cmdline}
}

// RunOneShot forks, execs and waits for one invocation of the program
// named by scriptName (or the queue's defaultScript), merging stdout and
// stderr. Success is WIFEXITED && WEXITSTATUS == 0.
func (c *Child) RunOneShot(ctx context.Context, kind event.Kind, scriptName string, params event.ExecParams) ([]byte, ExitResult, error) {
	argv, err := buildArgv(c.desc, kind, scriptName, params)
	if err != nil {
		return nil, ExitResult{}, err
	}
	argv = wrapWithRlimits(argv, c.desc.Limits)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	// On ctx cancellation (queue's maxExecTime elapsed) send SIGTERM first;
	// if the child is still alive after WaitDelay, Go escalates to SIGKILL
	// on our behalf. This is the two-stage overrun handling of spec.md
	// section 4.4 expressed through exec.Cmd's cancellation hooks instead
	// of a pool-driven tick.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()
	result := interpretExit(runErr)
	return out.Bytes(), result, nil
}

func interpretExit(runErr error) ExitResult {
	if runErr == nil {
		return ExitResult{Success: true}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return ExitResult{Success: false, FailureCause: types.CauseExecFailure}
		}
		if status.Signaled() {
			return ExitResult{
				Success:      false,
				TermSignal:   status.Signal(),
				FailureCause: signalCause(status.Signal()),
			}
		}
		return ExitResult{
			Success:      status.ExitStatus() == 0,
			ExitStatus:   status.ExitStatus(),
			FailureCause: causeIfFailed(status.ExitStatus() == 0),
		}
	}
	return ExitResult{Success: false, FailureCause: types.CauseExecFailure}
}

func causeIfFailed(success bool) types.FailureCause {
	if success {
		return types.CauseNone
	}
	return types.CauseExecFailure
}

func signalCause(sig syscall.Signal) types.FailureCause {
	switch sig {
	case syscall.SIGTERM:
		return types.CauseSIGTERM
	case syscall.SIGKILL:
		return types.CauseSIGKILL
	default:
		return types.CauseExecFailure
	}
}

// StandardResponse holds the fields extracted from a one-shot child's
// output when the queue descriptor has BStandardResponse set.
type StandardResponse struct {
	Success        bool
	ErrorString    string
	TraceTimestamp string
	SystemParam    string
	FailureCause   types.FailureCause
}

// ExtractStandardResponse scans output for the queue's configured
// success/failure markers and error/trace/param prefixes, per spec.md
// section 4.3's regex-extraction rule.
func ExtractStandardResponse(desc *types.QueueDescriptor, output []byte) StandardResponse {
	text := string(output)
	var resp StandardResponse

	hasSuccess := desc.SuccessMarker != "" && strings.Contains(text, desc.SuccessMarker)
	hasFailure := desc.FailureMarker != "" && strings.Contains(text, desc.FailureMarker)
	switch {
	case hasFailure:
		resp.Success = false
		resp.FailureCause = types.CauseExecFailure
	case hasSuccess:
		resp.Success = true
	default:
		resp.Success = false
		resp.FailureCause = types.CauseNoFailOrSuccess
	}

	if desc.ErrorPrefix != "" {
		if m := regexp.MustCompile(regexp.QuoteMeta(desc.ErrorPrefix) + `([^\n]*)`).FindStringSubmatch(text); m != nil {
			resp.ErrorString = m[1]
		}
	}
	if desc.TracePrefix != "" {
		re := regexp.MustCompile(regexp.QuoteMeta(desc.TracePrefix) + `([^\n]*)`)
		var parts []string
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			parts = append(parts, m[1])
		}
		resp.TraceTimestamp = strings.Join(parts, "-")
	}
	if desc.ParamPrefix != "" {
		if m := regexp.MustCompile(regexp.QuoteMeta(desc.ParamPrefix) + `([^\n]*)`).FindStringSubmatch(text); m != nil {
			resp.SystemParam = m[1]
		}
	}
	return resp
}

// StartPersistent forks and execs the queue's persistentApp with three
// separate pipes for stdin, stdout and stderr. Stderr is drained to
// onStderrLine for diagnostics; it is never parsed for correctness.
func (c *Child) StartPersistent(onStderrLine func(string)) error {
	if !c.Persistent() {
		return ErrNotPersistent
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	argv := wrapWithRlimits(c.desc.PersistentApp, c.desc.Limits)
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("child: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("child: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("child: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("child: start persistent app: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.pid = cmd.Process.Pid

	go drainStderr(stderr, onStderrLine)
	return nil
}

func drainStderr(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
}

// SendPersistent writes one framed event to the persistent child's stdin
// and blocks for exactly one framed reply on its stdout.
func (c *Child) SendPersistent(ev *event.Event) (*event.Event, error) {
	c.mu.Lock()
	stdin, stdout := c.stdin, c.stdout
	c.mu.Unlock()
	if stdin == nil || stdout == nil {
		return nil, ErrNotPersistent
	}

	data, err := event.Serialize(ev)
	if err != nil {
		return nil, fmt.Errorf("child: serialize request: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return nil, fmt.Errorf("child: write to persistent child: %w", err)
	}

	frame, err := event.ReadFrame(stdout)
	if err != nil {
		return nil, fmt.Errorf("child: read reply from persistent child: %w", err)
	}
	reply, err := event.Parse(frame)
	if err != nil {
		return nil, fmt.Errorf("child: parse reply from persistent child: %w", err)
	}
	return reply, nil
}

// TerminateSignal sends sig to the persistent child.
func (c *Child) TerminateSignal(sig syscall.Signal) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// Wait blocks until the persistent child exits and returns its result.
func (c *Child) Wait() ExitResult {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return ExitResult{Success: true}
	}
	return interpretExit(cmd.Wait())
}

// WaitTimeout waits up to d for the persistent child to exit.
func (c *Child) WaitTimeout(d time.Duration) (ExitResult, bool) {
	done := make(chan ExitResult, 1)
	go func() { done <- c.Wait() }()
	select {
	case r := <-done:
		return r, true
	case <-time.After(d):
		return ExitResult{}, false
	}
}

// ParseAsEvent attempts to parse one-shot output as a nested serialized
// event, used when the queue descriptor has parseResponseForObject set.
func ParseAsEvent(output []byte) (*event.Event, error) {
	return event.Parse(bytes.TrimLeft(output, "\r\n\t "))
}
