/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements the reliable ordered per-peer byte stream
// (TCP or local-IPC) described in §4.2: a single background writer draining
// a per-link outbound queue, and a single in-flight reader handing whole
// frames to the connection manager.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/wire"
)

// ErrQueueFull is returned by Send when the outbound queue is saturated.
// The caller (connection manager) decides whether that's fatal for the link.
var ErrQueueFull = errors.New("transport: outbound queue full")

// ErrClosed is returned by Send on an already-closed link.
var ErrClosed = errors.New("transport: link closed")

// PeerLost is raised once a link's reader or writer hits an unrecoverable
// I/O error, §4.2/§7.
type PeerLost struct {
	PeerName string
	Err      error
}

// Error implements the error interface.
func (e *PeerLost) Error() string {
	return fmt.Sprintf("transport: lost peer %q: %v", e.PeerName, e.Err)
}

// Unwrap supports errors.Is/As against the underlying I/O error.
func (e *PeerLost) Unwrap() error { return e.Err }

// Link is one reliable ordered peer-link, backed by a net.Conn (TCP or
// Unix-domain stream — selection happens one level up, in conn.Manager,
// per §4.2's "prefer local transport when both endpoints run on the same
// host").
type Link struct {
	PeerName string

	conn net.Conn

	outbound chan []byte

	onFrame func(wire.DecodedFrame)
	onClose func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

// Config bounds a Link's resource usage.
type Config struct {
	// SendQueueSize is the number of frames the outbound channel buffers
	// before Send starts returning ErrQueueFull.
	SendQueueSize int
}

// DefaultConfig returns sane defaults for Config.
func DefaultConfig() Config {
	return Config{SendQueueSize: 256}
}

// NewLink wraps conn. onFrame is invoked once per decoded frame, from the
// link's single reader goroutine — never concurrently. onClose is invoked
// at most once, when the reader or writer hits an I/O error; a local Close
// does not invoke it.
func NewLink(peerName string, conn net.Conn, cfg Config, onFrame func(wire.DecodedFrame), onClose func(error)) *Link {
	if cfg.SendQueueSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Link{
		PeerName: peerName,
		conn:     conn,
		outbound: make(chan []byte, cfg.SendQueueSize),
		onFrame:  onFrame,
		onClose:  onClose,
		closed:   make(chan struct{}),
	}
}

// Start launches the single writer and single reader goroutine for this
// link. Both exit when either hits an I/O error (onClose then fires once)
// or Close is called.
func (l *Link) Start() {
	go l.writeLoop()
	go l.readLoop()
}

// Send enqueues an already-encoded frame for the background writer. It
// never blocks: a full queue is surfaced immediately as ErrQueueFull, per
// §4.2's "non-blocking send(frame)".
func (l *Link) Send(frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.outbound <- frame:
		return nil
	case <-l.closed:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close tears the link down, releasing the writer and reader goroutines.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

func (l *Link) writeLoop() {
	for {
		select {
		case frame := <-l.outbound:
			if _, err := writeFull(l.conn, frame); err != nil {
				l.fail(err)
				return
			}
		case <-l.closed:
			// Drain and flush whatever is already queued before giving up the
			// socket, per §4.4's "closes all peer sockets after flushing send
			// queues".
			for {
				select {
				case frame := <-l.outbound:
					_, _ = writeFull(l.conn, frame)
				default:
					return
				}
			}
		}
	}
}

// writeFull resumes partial writes without copying the buffer, §4.2.
func writeFull(w io.Writer, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *Link) readLoop() {
	for {
		body, err := wire.ReadFrameBody(l.conn)
		if err != nil {
			l.fail(err)
			return
		}
		frame, err := wire.DecodeFrameBody(body)
		if err != nil {
			log.WithError(err).WithField("peer", l.PeerName).Warn("dropping malformed frame")
			l.fail(err)
			return
		}
		l.onFrame(frame)
	}
}

func (l *Link) fail(err error) {
	failed := false
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
		failed = true
	})
	if failed && l.onClose != nil {
		l.onClose(&PeerLost{PeerName: l.PeerName, Err: err})
	}
}
