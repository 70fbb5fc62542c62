/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replication

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultPort is the port used for replication when none is configured.
const DefaultPort = 8756

// peerBufferSize bounds the per-peer outbox.  A standby that falls this far
// behind is disconnected rather than allowed to block publishing; it can
// reconnect and resubscribe from the position it reached.
const peerBufferSize = 1024

// Source is the primary-side view the server needs: an atomic
// replay-then-subscribe over the committed entry stream, plus a way to
// publish transactions submitted by standby peers.  The engine implements
// it.
type Source interface {
	// SubscribeFrom replays every committed entry at or after pos through
	// fn, then keeps calling fn for each newly committed entry, with no
	// gap, duplicate or reordering across the transition.  An fn error
	// cancels the subscription.
	SubscribeFrom(pos uint64, fn func(pos uint64, at time.Time, data []byte) error) (cancel func(), err error)

	// SubmitSerialized publishes a serialized transaction received from a
	// peer and returns the journal position it was assigned.
	SubmitSerialized(data []byte) (uint64, error)
}

// Server accepts standby connections and streams every locally published
// entry to each of them, only after it is durably journaled.
type Server struct {
	ln  net.Listener
	src Source

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer starts listening on addr and serving peers.
func NewServer(addr string, src Source) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not listen on %s", addr)
	}

	s := &Server{
		ln:    ln,
		src:   src,
		conns: map[net.Conn]struct{}{},
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.forget(conn)
	defer conn.Close()

	br := bufio.NewReader(conn)

	// The peer must open with a subscribe message.
	msgType, body, err := readFrame(br)
	if err != nil || msgType != msgSubscribe {
		return
	}
	from, err := decodeSubscribe(body)
	if err != nil {
		return
	}

	out := make(chan []byte, peerBufferSize)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case frame := <-out:
				if _, err := conn.Write(frame); err != nil {
					conn.Close()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	enqueue := func(msgType byte, body []byte) error {
		select {
		case out <- encodeFrame(msgType, body):
			return nil
		default:
			return errors.New("peer cannot keep up with the entry stream")
		}
	}

	cancel, err := s.src.SubscribeFrom(from, func(pos uint64, at time.Time, data []byte) error {
		return enqueue(msgEntry, encodeEntry(pos, at, data))
	})
	if err != nil {
		return
	}
	defer cancel()

	for {
		msgType, body, err := readFrame(br)
		if err != nil {
			return
		}

		if msgType != msgPublish {
			return
		}
		token, data, err := decodePublish(body)
		if err != nil {
			return
		}

		pos, err := s.src.SubmitSerialized(data)
		if err != nil {
			if enqueue(msgNack, encodeNack(token, err.Error())) != nil {
				return
			}
			continue
		}
		if enqueue(msgAck, encodeAck(token, pos)) != nil {
			return
		}
	}
}
