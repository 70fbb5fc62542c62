/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package replication streams committed journal entries from a primary
// engine to standby instances and forwards standby-published transactions
// back to the primary.
//
// The wire protocol is a sequence of length-framed binary messages over a
// single TCP connection per peer.  A standby opens the connection with a
// subscribe message naming the position it wants the stream to start from;
// the primary then pushes entry messages in strict journal order.  The
// standby may interleave publish messages, each answered with an ack (or
// nack) carrying the same token.
package replication

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	msgSubscribe byte = iota + 1
	msgEntry
	msgPublish
	msgAck
	msgNack
)

// maxFrameSize bounds a single message, protecting both sides from a
// corrupt or malicious length prefix.
const maxFrameSize = 1 << 30

// frame layout: [4B length of type+body][1B type][body]

func encodeFrame(msgType byte, body []byte) []byte {
	frame := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(frame, uint32(1+len(body)))
	frame[4] = msgType
	copy(frame[5:], body)
	return frame
}

func writeFrame(w io.Writer, msgType byte, body []byte) error {
	if _, err := w.Write(encodeFrame(msgType, body)); err != nil {
		return errors.WithMessage(err, "could not write frame")
	}
	return nil
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxFrameSize {
		return 0, nil, errors.Errorf("invalid frame length %d", length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, errors.WithMessage(err, "could not read frame body")
	}
	return frame[0], frame[1:], nil
}

func encodeSubscribe(from uint64) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, from)
	return body
}

func decodeSubscribe(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, errors.Errorf("malformed subscribe message of %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

func encodeEntry(pos uint64, at time.Time, data []byte) []byte {
	body := make([]byte, 16+len(data))
	binary.BigEndian.PutUint64(body, pos)
	binary.BigEndian.PutUint64(body[8:], uint64(at.UnixNano()))
	copy(body[16:], data)
	return body
}

func decodeEntry(body []byte) (uint64, time.Time, []byte, error) {
	if len(body) < 16 {
		return 0, time.Time{}, nil, errors.Errorf("malformed entry message of %d bytes", len(body))
	}
	pos := binary.BigEndian.Uint64(body)
	at := time.Unix(0, int64(binary.BigEndian.Uint64(body[8:])))
	return pos, at, body[16:], nil
}

func encodePublish(token uint64, data []byte) []byte {
	body := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(body, token)
	copy(body[8:], data)
	return body
}

func decodePublish(body []byte) (uint64, []byte, error) {
	if len(body) < 8 {
		return 0, nil, errors.Errorf("malformed publish message of %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body), body[8:], nil
}

func encodeAck(token, pos uint64) []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint64(body, token)
	binary.BigEndian.PutUint64(body[8:], pos)
	return body
}

func decodeAck(body []byte) (uint64, uint64, error) {
	if len(body) != 16 {
		return 0, 0, errors.Errorf("malformed ack message of %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body), binary.BigEndian.Uint64(body[8:]), nil
}

func encodeNack(token uint64, reason string) []byte {
	body := make([]byte, 8+len(reason))
	binary.BigEndian.PutUint64(body, token)
	copy(body[8:], reason)
	return body
}

func decodeNack(body []byte) (uint64, string, error) {
	if len(body) < 8 {
		return 0, "", errors.Errorf("malformed nack message of %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body), string(body[8:]), nil
}
