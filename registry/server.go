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

package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/coresim/transport"
	"github.com/facebook/coresim/wire"
)

// Reason prefixes let a rejected Client tell why without widening the wire
// AnnouncementStatus enum beyond the teacher's plain success/failure shape.
const (
	versionMismatchPrefix = "version-mismatch: "
	duplicateNamePrefix   = "duplicate-name: "
)

// Config configures a registry Server.
type Config struct {
	// Acceptor is the address the registry listens on for participant
	// announcements, §4.3.
	Acceptor wire.Acceptor
	Logger   *log.Entry
	// MaxConnections caps simultaneously open accepted TCP connections.
	// Zero leaves the listener unlimited. Ignored for local:// acceptors.
	MaxConnections int
}

// Server is the rendezvous process every participant announces itself to,
// §4.3. It keeps the authoritative set of currently-connected participants
// and pushes the updated set to every member whenever it changes.
type Server struct {
	cfg Config
	log *log.Entry

	mu    sync.Mutex
	peers map[string]wire.PeerInfo
	links map[string]*transport.Link

	// testBoundHook, when set, is invoked with the resolved listen address
	// once the registry is accepting connections. It exists so tests can
	// discover the kernel-assigned port of a Port: 0 listener.
	testBoundHook func(wire.Acceptor)
}

// NewServer constructs a registry Server. Call Run to start serving.
func NewServer(cfg Config) *Server {
	l := cfg.Logger
	if l == nil {
		l = log.NewEntry(log.StandardLogger())
	}
	return &Server{
		cfg:   cfg,
		log:   l.WithField("component", "registry"),
		peers: map[string]wire.PeerInfo{},
		links: map[string]*transport.Link{},
	}
}

// Run opens the listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, resolved, err := transport.ListenLimited(s.cfg.Acceptor, s.cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	s.log.WithField("acceptor", resolved).Info("registry listening")
	if s.testBoundHook != nil {
		s.testBoundHook(resolved)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})
	eg.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})
	return eg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("registry: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn performs the blocking join handshake on a freshly accepted
// connection, then (on success) hands it off to a transport.Link so future
// traffic on it is framed and queued like any other peer link.
func (s *Server) handleConn(conn net.Conn) {
	body, err := wire.ReadFrameBody(conn)
	if err != nil {
		s.log.WithError(err).Debug("join: failed to read announcement")
		_ = conn.Close()
		return
	}
	frame, err := wire.DecodeFrameBody(body)
	if err != nil || frame.Kind != wire.MessageRegistryHandshake || frame.RegistryKind != wire.RegistryParticipantAnnouncement {
		s.log.Debug("join: expected a participant announcement first")
		_ = conn.Close()
		return
	}
	ann, err := wire.DecodeParticipantAnnouncement(frame.Payload)
	if err != nil {
		s.log.WithError(err).Debug("join: malformed announcement")
		_ = conn.Close()
		return
	}

	negotiated, err := wire.Negotiate(ann.Header.Version)
	if err != nil {
		s.replyAndClose(conn, wire.AnnouncementFailed, versionMismatchPrefix+err.Error())
		return
	}

	s.mu.Lock()
	if _, dup := s.peers[ann.PeerInfo.Name]; dup {
		s.mu.Unlock()
		s.replyAndClose(conn, wire.AnnouncementFailed, fmt.Sprintf("%sparticipant %q already connected", duplicateNamePrefix, ann.PeerInfo.Name))
		return
	}
	s.peers[ann.PeerInfo.Name] = ann.PeerInfo
	s.mu.Unlock()

	link := transport.NewLink(ann.PeerInfo.Name, conn, transport.DefaultConfig(),
		func(f wire.DecodedFrame) { s.relay(ann.PeerInfo.Name, f) },
		func(err error) { s.removePeer(ann.PeerInfo.Name) },
	)
	s.mu.Lock()
	s.links[ann.PeerInfo.Name] = link
	s.mu.Unlock()
	link.Start()

	reply := wire.ParticipantAnnouncementReply{
		Header: wire.Header{Preamble: wire.Preamble, Version: negotiated},
		Status: wire.AnnouncementSuccess,
	}
	if err := link.Send(wire.EncodeFrame(wire.MessageRegistryHandshake, wire.RegistryAnnouncementReply, wire.EncodeAnnouncementReply(reply))); err != nil {
		s.log.WithError(err).Warn("join: failed to send announcement reply")
	}

	s.log.WithField("participant", ann.PeerInfo.Name).Info("participant joined")
	s.broadcastKnownParticipants()
}

func (s *Server) replyAndClose(conn net.Conn, status wire.AnnouncementStatus, reason string) {
	reply := wire.ParticipantAnnouncementReply{
		Header: wire.Header{Preamble: wire.Preamble, Version: wire.CurrentVersion},
		Status: status,
		Reason: reason,
	}
	frame := wire.EncodeFrame(wire.MessageRegistryHandshake, wire.RegistryAnnouncementReply, wire.EncodeAnnouncementReply(reply))
	_, _ = conn.Write(frame)
	_ = conn.Close()
}

// relay forwards an opaque peer message from one participant to another
// when neither could establish a direct link, §4.3 point 4. fromName
// identifies the sender only for logging; routing is by the envelope's
// destination participant id.
func (s *Server) relay(fromName string, frame wire.DecodedFrame) {
	if frame.Kind != wire.MessagePeerMessage {
		return
	}
	env, err := wire.DecodePeerEnvelope(frame.Payload)
	if err != nil {
		s.log.WithError(err).WithField("from", fromName).Warn("relay: malformed peer message")
		return
	}

	s.mu.Lock()
	var target *transport.Link
	for name, p := range s.peers {
		if p.ID == env.Address.Participant {
			target = s.links[name]
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		s.log.WithField("from", fromName).WithField("to", env.Address.Participant).Warn("relay: target participant not connected")
		return
	}
	if err := target.Send(wire.EncodeFrame(wire.MessagePeerMessage, 0, frame.Payload)); err != nil {
		s.log.WithError(err).WithField("to", target.PeerName).Warn("relay: failed to forward")
	}
}

func (s *Server) removePeer(name string) {
	s.mu.Lock()
	_, existed := s.peers[name]
	delete(s.peers, name)
	delete(s.links, name)
	s.mu.Unlock()
	if existed {
		s.log.WithField("participant", name).Info("participant left")
		s.broadcastKnownParticipants()
	}
}

// broadcastKnownParticipants pushes the full current membership to every
// connected participant, §4.3: "the registry informs every connected
// participant whenever the membership set changes."
func (s *Server) broadcastKnownParticipants() {
	s.mu.Lock()
	peers := make([]wire.PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	links := make([]*transport.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	kp := wire.KnownParticipants{
		Header: wire.Header{Preamble: wire.Preamble, Version: wire.CurrentVersion},
		Peers:  peers,
	}
	frame := wire.EncodeFrame(wire.MessageRegistryHandshake, wire.RegistryKnownParticipants, wire.EncodeKnownParticipants(kp))
	for _, l := range links {
		if err := l.Send(frame); err != nil {
			s.log.WithError(err).WithField("peer", l.PeerName).Warn("failed to push known participants")
		}
	}
}

// Peers returns a snapshot of the currently-registered participants.
func (s *Server) Peers() []wire.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]wire.PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}
