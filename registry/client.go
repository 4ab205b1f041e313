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
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/transport"
	"github.com/facebook/coresim/wire"
)

// classifyRejection maps a registry rejection reason back to a JoinErrorKind.
func classifyRejection(reason string) JoinErrorKind {
	switch {
	case strings.HasPrefix(reason, versionMismatchPrefix):
		return JoinVersionMismatch
	case strings.HasPrefix(reason, duplicateNamePrefix):
		return JoinDuplicateName
	default:
		return JoinTransportFailure
	}
}

// classifyTransportErr tells a plain I/O failure apart from a budget
// exceeded while joining, §5: "Registry connect has a configurable overall
// deadline; exceeded → JoinTimeout error to the caller."
func classifyTransportErr(err error) JoinErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return JoinTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return JoinTimeout
	}
	return JoinTransportFailure
}

// Client is the participant-side half of the join protocol, §4.3. Beyond
// the join handshake it also doubles as the relay path of §4.3 point 4:
// a MessagePeerMessage frame sent over this link is forwarded by the
// registry to the addressed peer when a direct link isn't available.
type Client struct {
	log *log.Entry

	link *transport.Link

	onKnownParticipants func([]wire.PeerInfo)
	onRelayedMessage    func(wire.PeerEnvelope)
	onLost              func(error)
}

// Join dials registryAcceptor, performs the announcement handshake for
// self, and on success starts a background Link delivering subsequent
// KnownParticipants pushes to onKnownParticipants and relayed peer
// messages to onRelayedMessage. onLost is invoked once if the registry
// connection is later lost.
func Join(ctx context.Context, registryAcceptor wire.Acceptor, self wire.PeerInfo, logger *log.Entry, onKnownParticipants func([]wire.PeerInfo), onRelayedMessage func(wire.PeerEnvelope), onLost func(error)) (*Client, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "registry-client")

	conn, err := transport.Dial(ctx, registryAcceptor)
	if err != nil {
		return nil, &JoinError{Kind: classifyTransportErr(err), Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ann := wire.ParticipantAnnouncement{
		Header:   wire.Header{Preamble: wire.Preamble, Version: wire.CurrentVersion},
		PeerInfo: self,
	}
	frame := wire.EncodeFrame(wire.MessageRegistryHandshake, wire.RegistryParticipantAnnouncement, wire.EncodeParticipantAnnouncement(ann))
	if err := writeAll(conn, frame); err != nil {
		_ = conn.Close()
		return nil, &JoinError{Kind: classifyTransportErr(err), Err: err}
	}

	body, err := wire.ReadFrameBody(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &JoinError{Kind: classifyTransportErr(err), Err: err}
	}
	decoded, err := wire.DecodeFrameBody(body)
	if err != nil || decoded.Kind != wire.MessageRegistryHandshake || decoded.RegistryKind != wire.RegistryAnnouncementReply {
		_ = conn.Close()
		return nil, &JoinError{Kind: JoinTransportFailure, Err: fmt.Errorf("unexpected response to announcement")}
	}
	reply, err := wire.DecodeAnnouncementReply(decoded.Payload)
	if err != nil {
		_ = conn.Close()
		return nil, &JoinError{Kind: JoinTransportFailure, Err: err}
	}
	// clear the join deadline now that the handshake is complete; the link's
	// own read/write loops manage their own lifetime from here.
	_ = conn.SetDeadline(time.Time{})
	if reply.Status != wire.AnnouncementSuccess {
		_ = conn.Close()
		return nil, &JoinError{Kind: classifyRejection(reply.Reason), Err: fmt.Errorf("%s", reply.Reason)}
	}

	c := &Client{
		log:                 logger,
		onKnownParticipants: onKnownParticipants,
		onRelayedMessage:    onRelayedMessage,
		onLost:              onLost,
	}
	c.link = transport.NewLink(self.Name, conn, transport.DefaultConfig(), c.handleFrame, c.handleClose)
	c.link.Start()
	return c, nil
}

func (c *Client) handleFrame(frame wire.DecodedFrame) {
	switch {
	case frame.Kind == wire.MessageRegistryHandshake && frame.RegistryKind == wire.RegistryKnownParticipants:
		kp, err := wire.DecodeKnownParticipants(frame.Payload)
		if err != nil {
			c.log.WithError(err).Warn("malformed known-participants push")
			return
		}
		if c.onKnownParticipants != nil {
			c.onKnownParticipants(kp.Peers)
		}
	case frame.Kind == wire.MessagePeerMessage:
		env, err := wire.DecodePeerEnvelope(frame.Payload)
		if err != nil {
			c.log.WithError(err).Warn("malformed relayed peer message")
			return
		}
		if c.onRelayedMessage != nil {
			c.onRelayedMessage(env)
		}
	default:
		c.log.WithField("kind", frame.Kind).Debug("ignoring unexpected registry frame")
	}
}

func (c *Client) handleClose(err error) {
	if c.onLost != nil {
		c.onLost(err)
	}
}

// SendRelayed asks the registry to forward a peer message to a participant
// this client couldn't reach directly, §4.3 point 4.
func (c *Client) SendRelayed(env wire.PeerEnvelope) error {
	frame := wire.EncodeFrame(wire.MessagePeerMessage, 0, wire.EncodePeerEnvelope(env))
	return c.link.Send(frame)
}

// Close leaves the registry.
func (c *Client) Close() error {
	return c.link.Close()
}

func writeAll(conn net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
