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

// Client is the standby side of a replication connection.  It subscribes
// to the primary's committed entry stream and forwards locally published
// transactions to the primary, delegating ordering and durability to it
// entirely.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	acks   map[uint64]chan ackResult
	token  uint64
	closed bool
	err    error
}

type ackResult struct {
	pos uint64
	err error
}

// Dial connects to the primary at addr and subscribes to the entry stream
// starting at from.  onEntry is invoked for every streamed entry, in
// journal order, from a single goroutine; an onEntry error tears the
// connection down.
func Dial(addr string, from uint64, onEntry func(pos uint64, at time.Time, data []byte) error) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not connect to primary at %s", addr)
	}

	if err := writeFrame(conn, msgSubscribe, encodeSubscribe(from)); err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "could not subscribe to primary")
	}

	c := &Client{
		conn: conn,
		acks: map[uint64]chan ackResult{},
	}

	go c.readLoop(onEntry)
	return c, nil
}

// Submit forwards a serialized transaction to the primary and waits for
// the acknowledgment carrying the journal position it was assigned.  The
// corresponding entry arrives through onEntry before Submit returns.
func (c *Client) Submit(data []byte) (uint64, error) {
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return 0, errors.WithMessage(err, "replication connection is closed")
	}
	c.token++
	token := c.token
	c.acks[token] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, msgPublish, encodePublish(token, data))
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return 0, errors.WithMessage(err, "could not forward transaction to primary")
	}

	res, ok := <-ch
	if !ok {
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return 0, errors.WithMessage(err, "replication connection lost while awaiting acknowledgment")
	}
	if res.err != nil {
		return 0, res.err
	}
	return res.pos, nil
}

func (c *Client) Close() error {
	c.fail(errors.New("client closed"))
	return nil
}

func (c *Client) readLoop(onEntry func(pos uint64, at time.Time, data []byte) error) {
	br := bufio.NewReader(c.conn)

	for {
		msgType, body, err := readFrame(br)
		if err != nil {
			c.fail(errors.WithMessage(err, "could not read from primary"))
			return
		}

		switch msgType {
		case msgEntry:
			pos, at, data, err := decodeEntry(body)
			if err != nil {
				c.fail(err)
				return
			}
			if err := onEntry(pos, at, data); err != nil {
				c.fail(err)
				return
			}

		case msgAck:
			token, pos, err := decodeAck(body)
			if err != nil {
				c.fail(err)
				return
			}
			c.deliver(token, ackResult{pos: pos})

		case msgNack:
			token, reason, err := decodeNack(body)
			if err != nil {
				c.fail(err)
				return
			}
			c.deliver(token, ackResult{err: errors.Errorf("rejected by primary: %s", reason)})

		default:
			c.fail(errors.Errorf("unexpected message type %d from primary", msgType))
			return
		}
	}
}

func (c *Client) deliver(token uint64, res ackResult) {
	c.mu.Lock()
	ch, ok := c.acks[token]
	if ok {
		delete(c.acks, token)
	}
	c.mu.Unlock()

	if ok {
		ch <- res
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	for token, ch := range c.acks {
		close(ch)
		delete(c.acks, token)
	}
	c.mu.Unlock()

	c.conn.Close()
}
