// Package gateway implements the one contract spec.md specifies for the
// front-end network listeners it otherwise treats as external
// collaborators (spec.md section 1's "Out of scope" note, section 6's
// Nucleus<->Gateway channel description): a bidirectional, framed
// connection that writes inbound events into the Nucleus and writes
// results back out along an event's return route.
//
// The accept loop, connection lifecycle and daemonization surface around
// this are this repository's own concern, matching the "only the contract
// with the core is specified" scoping spec.md draws — everything beyond
// reading/writing event.Serialize frames over net.Conn is an
// implementation choice, not a normative requirement.
package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/nucleus"
)

// Server accepts connections on one listener and bridges them to a
// Nucleus: each connection is a gateway endpoint per spec.md section 6,
// identified by a synthetic fd-id pushed onto an inbound event's
// return-route so a later result can find its way back to the same
// connection.
type Server struct {
	n   *nucleus.Nucleus
	log zerolog.Logger

	ln     net.Listener
	nextID uint64

	mu    sync.Mutex
	conns map[string]*conn

	wg   sync.WaitGroup
	done chan struct{}
}

type conn struct {
	id  string
	c   net.Conn
	out chan *event.Event
}

// NewServer creates a gateway bound to n. Call Listen to start accepting
// connections.
func NewServer(n *nucleus.Nucleus, log zerolog.Logger) *Server {
	return &Server{
		n:     n,
		log:   log,
		conns: make(map[string]*conn),
		done:  make(chan struct{}),
	}
}

// Listen opens network/address (e.g. "tcp"/"127.0.0.1:9700" or
// "unix"/"/var/run/txproc.sock") and starts the accept loop and the
// result-routing loop in the background. The caller retains Close to shut
// the listener down.
func (s *Server) Listen(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("gateway: listen %s %s: %w", network, address, err)
	}
	s.ln = ln
	s.wg.Add(2)
	go s.acceptLoop()
	go s.resultPump()
	return nil
}

// Close stops accepting connections and closes every open connection.
func (s *Server) Close() error {
	close(s.done)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Error().Err(err).Msg("gateway: accept failed")
				return
			}
		}
		id := strconv.FormatUint(atomic.AddUint64(&s.nextID, 1), 10)
		c := &conn{id: id, c: nc, out: make(chan *event.Event, 32)}
		s.mu.Lock()
		s.conns[id] = c
		s.mu.Unlock()

		s.wg.Add(2)
		go s.readLoop(c)
		go s.writeLoop(c)
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	r := bufio.NewReader(c.c)
	for {
		frame, err := event.ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Str("conn", c.id).Msg("gateway: connection read ended")
			}
			return
		}
		ev, err := event.Parse(frame)
		if err != nil {
			s.log.Warn().Err(err).Str("conn", c.id).Msg("gateway: malformed frame, dropping connection")
			return
		}
		if ev.ExpectReply {
			ev.PushReturn(c.id, "")
		}
		s.n.Submit(ev)
	}
}

func (s *Server) writeLoop(c *conn) {
	defer s.wg.Done()
	for ev := range c.out {
		remaining, complete, err := event.PartialSerialize(c.c, ev)
		for err == nil && !complete {
			remaining, complete, err = event.PartialSerializeBytes(c.c, remaining)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("conn", c.id).Msg("gateway: write failed, dropping connection")
			c.c.Close()
			return
		}
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	close(c.out)
	c.c.Close()
}

// resultPump drains the Nucleus's Results() channel and routes each event
// to the connection named by its next return-route hop, if any; an event
// with an exhausted or foreign route (addressed to a gateway instance that
// isn't this one, or never pushed a hop at all) is simply dropped, since
// nothing local can deliver it further.
func (s *Server) resultPump() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.n.Results():
			if !ok {
				return
			}
			s.route(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Server) route(ev *event.Event) {
	hop, ok := ev.PopReturn()
	if !ok {
		return
	}
	s.mu.Lock()
	c, ok := s.conns[hop.FDID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Str("conn", hop.FDID).Str("reference", ev.Reference).Msg("gateway: return-route connection no longer open")
		return
	}
	select {
	case c.out <- ev:
	default:
		s.log.Warn().Str("conn", hop.FDID).Msg("gateway: connection outbound buffer full, dropping result")
	}
}
