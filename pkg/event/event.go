// Package event implements the txProc wire event: a typed, JSON-framed
// message carrying routing, retry, trace and user-parameter sections. It is
// the one format every other component (recovery log, worker child, pool,
// nucleus, gateway) reads and writes, so its serialize/parse pair is the
// most heavily tested code in the repository.
package event

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the frame version this package writes and accepts.
const ProtocolVersion = "3.0"

// MaxRetries is the hard cap on Event.Retries before a queue refuses to
// enqueue the event again.
const MaxRetries = 5

const framePrefix = "#frameNewframe#v"

// Sentinel errors for the taxonomy of spec.md section 7.
var (
	ErrMalformedFrame   = errors.New("event: malformed frame header")
	ErrTruncatedPayload = errors.New("event: truncated payload")
	ErrSectionParse     = errors.New("event: section parse error")
)

// Kind is the closed set of event kinds.
type Kind string

const (
	KindBase        Kind = "base"
	KindScript      Kind = "script"
	KindInterpreter Kind = "interpreter"
	KindBinary      Kind = "binary"
	KindURL         Kind = "url"
	KindResult      Kind = "result"
	KindWorkerDone  Kind = "worker-done"
	KindCommand     Kind = "command"
	KindReply       Kind = "reply"
	KindError       Kind = "error"
	KindUnknown     Kind = "unknown"
)

// CommandID identifies a command event's intended handler.
type CommandID string

const (
	CmdStats            CommandID = "stats"
	CmdResetStats        CommandID = "reset-stats"
	CmdReopenLog         CommandID = "reopen-log"
	CmdNucleusConf       CommandID = "nucleus-conf"
	CmdWorkerConf        CommandID = "worker-conf"
	CmdExitWhenDone      CommandID = "exit-when-done"
	CmdShutdown          CommandID = "shutdown"
	CmdEndOfQueue        CommandID = "end-of-queue"
	CmdPersistentApp     CommandID = "persistent-app"
	CmdStartupInfo       CommandID = "startupinfo"
)

// ReturnHop is one entry of the return-route stack: the identifier of the
// endpoint a result must be written back to, plus an optional opaque tag
// the original uses for a C++ object pointer and a rewrite can use for any
// reliably-comparable endpoint identifier.
type ReturnHop struct {
	FDID string
	Tag  string
}

func (h ReturnHop) String() string {
	if h.Tag == "" {
		return h.FDID
	}
	return h.FDID + ";" + h.Tag
}

func parseReturnRoute(s string) []ReturnHop {
	if s == "" {
		return nil
	}
	segments := strings.Split(s, ":")
	hops := make([]ReturnHop, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if idx := strings.IndexByte(seg, ';'); idx >= 0 {
			hops = append(hops, ReturnHop{FDID: seg[:idx], Tag: seg[idx+1:]})
		} else {
			hops = append(hops, ReturnHop{FDID: seg})
		}
	}
	return hops
}

func formatReturnRoute(hops []ReturnHop) string {
	if len(hops) == 0 {
		return ""
	}
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = h.String()
	}
	return strings.Join(parts, ":") + ":"
}

// ParamKind tags the scalar type carried by a Param.
type ParamKind uint8

const (
	ParamString ParamKind = iota
	ParamInt
	ParamUint
	ParamFloat
)

// Param is one scalar execution-parameter value: string, int, uint or float.
type Param struct {
	Kind  ParamKind
	Str   string
	Int   int64
	Uint  uint64
	Float float64
}

func StringParam(s string) Param  { return Param{Kind: ParamString, Str: s} }
func IntParam(i int64) Param      { return Param{Kind: ParamInt, Int: i} }
func UintParam(u uint64) Param    { return Param{Kind: ParamUint, Uint: u} }
func FloatParam(f float64) Param  { return Param{Kind: ParamFloat, Float: f} }

// String renders the parameter's value as text, regardless of its kind.
func (p Param) String() string {
	switch p.Kind {
	case ParamInt:
		return strconv.FormatInt(p.Int, 10)
	case ParamUint:
		return strconv.FormatUint(p.Uint, 10)
	case ParamFloat:
		return strconv.FormatFloat(p.Float, 'g', -1, 64)
	default:
		return p.Str
	}
}

type wireParam struct {
	T string  `json:"t"`
	S string  `json:"s,omitempty"`
	I int64   `json:"i,omitempty"`
	U uint64  `json:"u,omitempty"`
	F float64 `json:"f,omitempty"`
}

func (p Param) toWire() wireParam {
	switch p.Kind {
	case ParamInt:
		return wireParam{T: "i", I: p.Int}
	case ParamUint:
		return wireParam{T: "u", U: p.Uint}
	case ParamFloat:
		return wireParam{T: "f", F: p.Float}
	default:
		return wireParam{T: "s", S: p.Str}
	}
}

func (w wireParam) fromWire() Param {
	switch w.T {
	case "i":
		return IntParam(w.I)
	case "u":
		return UintParam(w.U)
	case "f":
		return FloatParam(w.F)
	default:
		return StringParam(w.S)
	}
}

// NamedParam is one entry of the ordered string-keyed execution parameters.
type NamedParam struct {
	Key   string
	Value Param
}

// ExecParams holds both the ordered named parameters and the positional
// scalar list an event may carry; both live in the same container per
// spec.md section 3.
type ExecParams struct {
	Named      []NamedParam
	Positional []Param
}

type wireExecParams struct {
	Named      []wireNamedParam `json:"named,omitempty"`
	Positional []wireParam      `json:"positional,omitempty"`
}

type wireNamedParam struct {
	Key   string    `json:"key"`
	Value wireParam `json:"value"`
}

func (e ExecParams) MarshalJSON() ([]byte, error) {
	w := wireExecParams{}
	for _, n := range e.Named {
		w.Named = append(w.Named, wireNamedParam{Key: n.Key, Value: n.Value.toWire()})
	}
	for _, p := range e.Positional {
		w.Positional = append(w.Positional, p.toWire())
	}
	return json.Marshal(w)
}

func (e *ExecParams) UnmarshalJSON(data []byte) error {
	var w wireExecParams
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Named = nil
	for _, n := range w.Named {
		e.Named = append(e.Named, NamedParam{Key: n.Key, Value: n.Value.fromWire()})
	}
	e.Positional = nil
	for _, p := range w.Positional {
		e.Positional = append(e.Positional, p.fromWire())
	}
	return nil
}

// Get returns the named parameter's value, if present.
func (e ExecParams) Get(key string) (Param, bool) {
	for _, n := range e.Named {
		if n.Key == key {
			return n.Value, true
		}
	}
	return Param{}, false
}

// Set upserts a named parameter, preserving insertion order.
func (e *ExecParams) Set(key string, v Param) {
	for i, n := range e.Named {
		if n.Key == key {
			e.Named[i].Value = v
			return
		}
	}
	e.Named = append(e.Named, NamedParam{Key: key, Value: v})
}

// Event is the self-describing message routed by the nucleus. Zero value is
// not a valid event: Kind must be set to something other than KindUnknown
// before it is admitted.
type Event struct {
	Kind        Kind
	DestQueue   string
	SubQueue    int
	HasSubQueue bool
	Reference   string
	ReturnRoute []ReturnHop

	Expiry    time.Time // zero = no expiry
	Lifetime  time.Duration
	ReadyTime time.Time
	Retries   int

	Trace          string
	TraceTimestamp string

	// System parameters
	CommandID               CommandID
	URL                     string
	ScriptName              string
	Result                  string
	Success                 bool
	ExpectReply             bool
	ErrorString             string
	FailureCause            string
	SystemParam             string
	ElapsedTime             time.Duration
	BGeneratedRecoveryEvent bool
	BStandardResponse       bool

	Params ExecParams

	WorkerPID int

	// QueueTime is stamped internally on admission; used for queue-latency
	// stats, never serialized.
	QueueTime time.Time
}

// Valid reports whether e satisfies the admission invariants of spec.md
// section 3: a non-unknown kind, retries within the cap, and an expiry that
// is either unset or not before the queue time.
func (e *Event) Valid() error {
	if e.Kind == "" || e.Kind == KindUnknown {
		return fmt.Errorf("event: invalid kind %q", e.Kind)
	}
	if e.Retries > MaxRetries {
		return fmt.Errorf("event: retries %d exceeds cap %d", e.Retries, MaxRetries)
	}
	if !e.Expiry.IsZero() && !e.QueueTime.IsZero() && e.Expiry.Before(e.QueueTime) {
		return fmt.Errorf("event: expiry before queue time")
	}
	return nil
}

// Expired reports whether the event is past its deadline as of now.
func (e *Event) Expired(now time.Time) bool {
	return !e.Expiry.IsZero() && now.After(e.Expiry)
}

// PushReturn prepends a hop to the return route, used when an event enters
// a gateway so the result can find its way back.
func (e *Event) PushReturn(fdID, tag string) {
	e.ReturnRoute = append([]ReturnHop{{FDID: fdID, Tag: tag}}, e.ReturnRoute...)
}

// PopReturn removes and returns the first hop, if any.
func (e *Event) PopReturn() (ReturnHop, bool) {
	if len(e.ReturnRoute) == 0 {
		return ReturnHop{}, false
	}
	hop := e.ReturnRoute[0]
	e.ReturnRoute = e.ReturnRoute[1:]
	return hop, true
}

// DestQueueKey renders "name" or "name;sub" matching the wire convention of
// an optional numeric sub-queue id appended after a semicolon.
func (e *Event) DestQueueKey() string {
	if e.HasSubQueue {
		return fmt.Sprintf("%s;%d", e.DestQueue, e.SubQueue)
	}
	return e.DestQueue
}

// NewReference synthesizes a structured NNNNN-NNNNN correlation id from a
// random source, used when a client admits an event without one.
func NewReference() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	n := binary.BigEndian.Uint32(buf[:])
	a := n % 100000
	b := (n / 100000) % 100000
	return fmt.Sprintf("%05d-%05d", a, b)
}

// --- wire sections ---

type routingSection struct {
	Kind        Kind   `json:"kind"`
	Reference   string `json:"reference,omitempty"`
	ReturnRoute string `json:"returnRoute,omitempty"`
	DestQueue   string `json:"destQueue,omitempty"`
}

type envelopeSection struct {
	Trace          string `json:"trace,omitempty"`
	TraceTimestamp string `json:"traceTimestamp,omitempty"`
	Expiry         int64  `json:"expiry,omitempty"`
	Lifetime       int64  `json:"lifetime,omitempty"`
	Retries        int    `json:"retries,omitempty"`
	WorkerPID      int    `json:"workerPid,omitempty"`
	ReadyTime      int64  `json:"readyTime,omitempty"`
}

type systemSection struct {
	CommandID               string  `json:"commandId,omitempty"`
	URL                     string  `json:"url,omitempty"`
	ScriptName              string  `json:"scriptName,omitempty"`
	Result                  string  `json:"result,omitempty"`
	Success                 bool    `json:"success,omitempty"`
	ExpectReply             bool    `json:"expectReply,omitempty"`
	ErrorString             string  `json:"errorString,omitempty"`
	FailureCause            string  `json:"failureCause,omitempty"`
	SystemParam             string  `json:"systemParam,omitempty"`
	ElapsedTimeSeconds       float64 `json:"elapsedTime,omitempty"`
	BGeneratedRecoveryEvent bool    `json:"bGeneratedRecoveryEvent,omitempty"`
	BStandardResponse       bool    `json:"bStandardResponse,omitempty"`
}

func (e *Event) toSections() (routingSection, envelopeSection, systemSection, ExecParams) {
	r := routingSection{
		Kind:        e.Kind,
		Reference:   e.Reference,
		ReturnRoute: formatReturnRoute(e.ReturnRoute),
		DestQueue:   e.DestQueueKey(),
	}
	env := envelopeSection{
		Trace:          e.Trace,
		TraceTimestamp: e.TraceTimestamp,
		Retries:        e.Retries,
		WorkerPID:      e.WorkerPID,
		Lifetime:       int64(e.Lifetime / time.Second),
	}
	if !e.Expiry.IsZero() {
		env.Expiry = e.Expiry.Unix()
	}
	if !e.ReadyTime.IsZero() {
		env.ReadyTime = e.ReadyTime.Unix()
	}
	sys := systemSection{
		CommandID:               string(e.CommandID),
		URL:                     e.URL,
		ScriptName:              e.ScriptName,
		Result:                  e.Result,
		Success:                 e.Success,
		ExpectReply:             e.ExpectReply,
		ErrorString:             e.ErrorString,
		FailureCause:            e.FailureCause,
		SystemParam:             e.SystemParam,
		ElapsedTimeSeconds:      e.ElapsedTime.Seconds(),
		BGeneratedRecoveryEvent: e.BGeneratedRecoveryEvent,
		BStandardResponse:       e.BStandardResponse,
	}
	return r, env, sys, e.Params
}

func fromSections(r routingSection, env envelopeSection, sys systemSection, params ExecParams) *Event {
	e := &Event{
		Kind:                    r.Kind,
		Reference:               r.Reference,
		ReturnRoute:             parseReturnRoute(r.ReturnRoute),
		Trace:                   env.Trace,
		TraceTimestamp:          env.TraceTimestamp,
		Retries:                 env.Retries,
		WorkerPID:               env.WorkerPID,
		Lifetime:                time.Duration(env.Lifetime) * time.Second,
		CommandID:               CommandID(sys.CommandID),
		URL:                     sys.URL,
		ScriptName:              sys.ScriptName,
		Result:                  sys.Result,
		Success:                 sys.Success,
		ExpectReply:             sys.ExpectReply,
		ErrorString:             sys.ErrorString,
		FailureCause:            sys.FailureCause,
		SystemParam:             sys.SystemParam,
		ElapsedTime:             time.Duration(sys.ElapsedTimeSeconds * float64(time.Second)),
		BGeneratedRecoveryEvent: sys.BGeneratedRecoveryEvent,
		BStandardResponse:       sys.BStandardResponse,
		Params:                  params,
	}
	if env.Expiry != 0 {
		e.Expiry = time.Unix(env.Expiry, 0)
	}
	if env.ReadyTime != 0 {
		e.ReadyTime = time.Unix(env.ReadyTime, 0)
	}
	if name, sub, ok := splitSubQueue(r.DestQueue); ok {
		e.DestQueue = name
		e.SubQueue = sub
		e.HasSubQueue = true
	} else {
		e.DestQueue = r.DestQueue
	}
	return e
}

func splitSubQueue(key string) (name string, sub int, ok bool) {
	idx := strings.IndexByte(key, ';')
	if idx < 0 {
		return key, 0, false
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return key, 0, false
	}
	return key[:idx], n, true
}

// Serialize renders e into the normative frame of spec.md section 4.1. The
// result is deterministic for a given Event value.
func Serialize(e *Event) ([]byte, error) {
	r, env, sys, params := e.toSections()

	rBytes, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("event: marshal routing section: %w", err)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope section: %w", err)
	}
	sysBytes, err := json.Marshal(sys)
	if err != nil {
		return nil, fmt.Errorf("event: marshal system section: %w", err)
	}
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("event: marshal exec params: %w", err)
	}

	var payload bytes.Buffer
	fmt.Fprintf(&payload, "%02d,1,%06d,1,%06d,1,%06d,1,%06d\n",
		4, len(rBytes), len(envBytes), len(sysBytes), len(paramBytes))
	payload.Write(rBytes)
	payload.Write(envBytes)
	payload.Write(sysBytes)
	payload.Write(paramBytes)

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s%s:%06d\n", framePrefix, ProtocolVersion, payload.Len())
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// Parse decodes one frame from data. It is strict on header shape and
// tolerant of unknown JSON keys within sections.
func Parse(data []byte) (*Event, error) {
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 || !bytes.HasPrefix(data, []byte(framePrefix)) {
		return nil, ErrMalformedFrame
	}
	header := string(data[:headerEnd])
	rest := header[len(framePrefix):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return nil, ErrMalformedFrame
	}
	version := rest[:colon]
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedFrame, version)
	}
	lenStr := rest[colon+1:]
	payloadLen, err := strconv.Atoi(lenStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload length %q", ErrMalformedFrame, lenStr)
	}

	body := data[headerEnd+1:]
	if len(body) < payloadLen {
		return nil, ErrTruncatedPayload
	}
	body = body[:payloadLen]

	lineEnd := bytes.IndexByte(body, '\n')
	if lineEnd < 0 {
		return nil, ErrMalformedFrame
	}
	countLine := string(body[:lineEnd])
	sections := body[lineEnd+1:]

	fields := strings.Split(countLine, ",")
	if len(fields) != 9 {
		return nil, fmt.Errorf("%w: section header has %d fields", ErrMalformedFrame, len(fields))
	}
	sectionCount, err := strconv.Atoi(fields[0])
	if err != nil || sectionCount != 4 {
		return nil, fmt.Errorf("%w: unexpected section count", ErrMalformedFrame)
	}
	lens := make([]int, 4)
	for i := 0; i < 4; i++ {
		l, err := strconv.Atoi(fields[2+i*2])
		if err != nil {
			return nil, fmt.Errorf("%w: bad section length", ErrMalformedFrame)
		}
		lens[i] = l
	}

	offset := 0
	raw := make([][]byte, 4)
	for i, l := range lens {
		if offset+l > len(sections) {
			return nil, ErrTruncatedPayload
		}
		raw[i] = sections[offset : offset+l]
		offset += l
	}

	var r routingSection
	var env envelopeSection
	var sys systemSection
	var params ExecParams
	if len(raw[0]) > 0 {
		if err := json.Unmarshal(raw[0], &r); err != nil {
			return nil, fmt.Errorf("%w: routing: %v", ErrSectionParse, err)
		}
	}
	if len(raw[1]) > 0 {
		if err := json.Unmarshal(raw[1], &env); err != nil {
			return nil, fmt.Errorf("%w: envelope: %v", ErrSectionParse, err)
		}
	}
	if len(raw[2]) > 0 {
		if err := json.Unmarshal(raw[2], &sys); err != nil {
			return nil, fmt.Errorf("%w: system: %v", ErrSectionParse, err)
		}
	}
	if len(raw[3]) > 0 {
		if err := json.Unmarshal(raw[3], &params); err != nil {
			return nil, fmt.Errorf("%w: params: %v", ErrSectionParse, err)
		}
	}

	return fromSections(r, env, sys, params), nil
}

// FrameLen inspects the header of data (which need not be complete) and
// returns the total number of bytes the full frame will occupy once the
// header line is known, or 0 if the header itself is not yet fully
// buffered. Used by stream readers to know how much more to read.
func FrameLen(data []byte) (total int, headerOK bool) {
	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		return 0, false
	}
	if !bytes.HasPrefix(data, []byte(framePrefix)) {
		return 0, false
	}
	header := string(data[:headerEnd])
	rest := header[len(framePrefix):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return 0, false
	}
	payloadLen, err := strconv.Atoi(rest[colon+1:])
	if err != nil {
		return 0, false
	}
	return headerEnd + 1 + payloadLen, true
}

// deadlineWriter is satisfied by net.Conn and anything similar that can be
// switched between blocking and effectively-non-blocking writes via a
// deadline.
type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// PartialSerialize writes as much of e's serialized frame as the underlying
// non-blocking-style connection will currently accept. On a short write it
// returns the unsent remainder; the caller must retry PartialSerializeBytes
// with that remainder once the fd is writable again (POLLOUT).
func PartialSerialize(conn deadlineWriter, e *Event) (remaining []byte, complete bool, err error) {
	data, err := Serialize(e)
	if err != nil {
		return nil, false, err
	}
	return PartialSerializeBytes(conn, data)
}

// PartialSerializeBytes is PartialSerialize's continuation entry point: it
// attempts to write data (typically a remainder from a previous partial
// write) without blocking indefinitely.
func PartialSerializeBytes(conn deadlineWriter, data []byte) (remaining []byte, complete bool, err error) {
	if len(data) == 0 {
		return nil, true, nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, werr := conn.Write(data)
	_ = conn.SetWriteDeadline(time.Time{})
	if werr != nil {
		var ne net.Error
		if errors.As(werr, &ne) && ne.Timeout() {
			if n >= len(data) {
				return nil, true, nil
			}
			return data[n:], false, nil
		}
		return nil, false, werr
	}
	if n >= len(data) {
		return nil, true, nil
	}
	return data[n:], false, nil
}

// byteReader is the minimal interface ReadFrame needs; *bufio.Reader
// satisfies it.
type byteReader interface {
	io.Reader
	ReadByte() (byte, error)
}

// ReadFrame reads exactly one complete frame from r, blocking as needed.
// It is used by the persistent-child pipe protocol and by gateway stream
// listeners, both of which receive frames one at a time over a byte
// stream rather than as a single buffered datagram.
func ReadFrame(r byteReader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if b != '\n' {
			continue
		}
		if total, ok := FrameLen(buf); ok {
			need := total - len(buf)
			if need <= 0 {
				return buf[:total], nil
			}
			rest := make([]byte, need)
			if _, err := io.ReadFull(r, rest); err != nil {
				return nil, err
			}
			return append(buf, rest...), nil
		}
	}
}
