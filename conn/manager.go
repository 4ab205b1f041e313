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

package conn

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/facebook/coresim/registry"
	"github.com/facebook/coresim/transport"
	"github.com/facebook/coresim/wire"
)

// Config configures a Manager.
type Config struct {
	// Self is this participant's identity. Start overwrites Self.Acceptors
	// with the address ListenAcceptor actually bound before joining.
	Self wire.PeerInfo
	// RegistryAcceptor is the rendezvous process to join, §4.3.
	RegistryAcceptor wire.Acceptor
	// ListenAcceptor is the local address this participant accepts direct
	// peer links on, §4.2. Port 0 asks the kernel for one.
	ListenAcceptor wire.Acceptor
	Logger         *log.Entry
}

// Manager is the per-participant connection manager of §4.4: it joins the
// registry, maintains a direct link to every other participant it can reach
// (falling back to registry relay otherwise), keeps each peer's receiver
// index table, and dispatches inbound messages on a single-threaded
// dispatch context that preserves per-peer FIFO order.
//
// Grounded on ptp/sptp/client/sptp.go's per-peer client map plus errgroup
// fan-out, and on ptp/ptp4u/server/subscription.go's per-link
// registration-table bookkeeping.
type Manager struct {
	cfg Config
	log *log.Entry

	reg *registry.Client
	ln  net.Listener

	mu                 sync.Mutex
	nextLocalIndex     uint64
	localReceivers     []wire.VAsioMsgSubscriber
	receiverHandlers   map[uint64]ReceiverHandler
	receiverKeyToIndex map[ReceiverKey]uint64

	peerInfo    map[string]wire.PeerInfo
	peerByID    map[uint64]string
	links       map[string]*transport.Link
	remoteIndex map[string]map[ReceiverKey]uint64
	relayOnly   map[string]bool

	onPeerReachable func(peerName string)
	reachable       map[string]bool

	// connectGroup collapses concurrent connectPeer attempts for the same
	// peer name into one in-flight dial, §4.3 point 4: two
	// KnownParticipants pushes arriving before the first dial reaches
	// establishLink/markRelayOnly would otherwise race a second dial for
	// the same peer and leak the loser's link.
	connectGroup singleflight.Group

	dispatchCh chan inboundEnvelope

	closeOnce sync.Once
	closed    chan struct{}
}

type inboundEnvelope struct {
	peerName string
	env      wire.PeerEnvelope
}

// NewManager constructs a Manager. Call Start to join the mesh.
func NewManager(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = log.NewEntry(log.StandardLogger())
	}
	return &Manager{
		cfg:                cfg,
		log:                l.WithField("component", "conn").WithField("participant", cfg.Self.Name),
		receiverHandlers:   map[uint64]ReceiverHandler{},
		receiverKeyToIndex: map[ReceiverKey]uint64{},
		peerInfo:           map[string]wire.PeerInfo{},
		peerByID:           map[uint64]string{},
		links:              map[string]*transport.Link{},
		remoteIndex:        map[string]map[ReceiverKey]uint64{},
		relayOnly:          map[string]bool{},
		reachable:          map[string]bool{},
		dispatchCh:         make(chan inboundEnvelope, 256),
		closed:             make(chan struct{}),
	}
}

// RegisterReceiver assigns the next local receiver index to (networkName,
// msgTypeName) and returns it. handler is invoked, on the manager's single
// dispatch goroutine, for every inbound message carrying this index.
// RegisterReceiver may be called either before Start (the usual case: every
// receiver a participant statically owns) or at runtime against an already-
// running Manager (pub/sub's internal subscribers, spawned dynamically on a
// match, §4.6) — either way the current full receiver-index table is
// (re-)announced to every peer link, new or already established.
func (m *Manager) RegisterReceiver(networkName, msgTypeName string, handler ReceiverHandler) uint64 {
	m.mu.Lock()
	idx := m.nextLocalIndex
	m.nextLocalIndex++
	key := ReceiverKey{NetworkName: networkName, MsgTypeName: msgTypeName}
	m.localReceivers = append(m.localReceivers, wire.VAsioMsgSubscriber{
		ReceiverIndex: idx,
		NetworkName:   networkName,
		MsgTypeName:   msgTypeName,
		Version:       1,
	})
	m.receiverHandlers[idx] = handler
	m.receiverKeyToIndex[key] = idx
	m.mu.Unlock()

	m.broadcastSubscriptions()
	return idx
}

// UnregisterReceiver withdraws a previously-registered receiver and
// re-announces the (now smaller) receiver-index table to every peer link.
// Pub/sub tears an internal subscriber down this way on publisher removal
// or a match that no longer holds, §4.6.
func (m *Manager) UnregisterReceiver(idx uint64) {
	m.mu.Lock()
	delete(m.receiverHandlers, idx)
	for i, s := range m.localReceivers {
		if s.ReceiverIndex == idx {
			m.localReceivers = append(m.localReceivers[:i:i], m.localReceivers[i+1:]...)
			break
		}
	}
	for key, kidx := range m.receiverKeyToIndex {
		if kidx == idx {
			delete(m.receiverKeyToIndex, key)
			break
		}
	}
	m.mu.Unlock()

	m.broadcastSubscriptions()
}

// broadcastSubscriptions sends the current local receiver-index table to
// every established peer link. Safe to call with no links yet (Start hasn't
// run) or with none changed (a no-op fan-out).
func (m *Manager) broadcastSubscriptions() {
	m.mu.Lock()
	subs := append([]wire.VAsioMsgSubscriber(nil), m.localReceivers...)
	links := make([]*transport.Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	frame := wire.EncodeFrame(wire.MessageSubscriptionAck, 0, wire.EncodeSubscriptionList(subs))
	for _, l := range links {
		if err := l.Send(frame); err != nil {
			m.log.WithError(err).Warn("failed to re-announce receiver index table")
		}
	}
}

// SetPeerReachableHook registers fn to be called exactly once per peer the
// first time it becomes reachable, directly or via relay. It must be set
// before Start. Service discovery uses this to replay its cached
// ServiceAnnouncement to every new peer-link, §4.5.
func (m *Manager) SetPeerReachableHook(fn func(peerName string)) {
	m.onPeerReachable = fn
}

func (m *Manager) notifyReachable(peerName string) {
	m.mu.Lock()
	already := m.reachable[peerName]
	m.reachable[peerName] = true
	m.mu.Unlock()
	if !already && m.onPeerReachable != nil {
		m.onPeerReachable(peerName)
	}
}

// Start opens the local listener, joins the registry, and begins
// maintaining the peer mesh. It returns once the registry join handshake
// completes; mesh establishment with already-known peers continues in the
// background. ctx bounds only the registry join; the dispatch and accept
// goroutines run until Close tears the manager down.
func (m *Manager) Start(ctx context.Context) error {
	ln, resolved, err := transport.Listen(m.cfg.ListenAcceptor)
	if err != nil {
		return fmt.Errorf("conn: %w", err)
	}
	m.ln = ln
	m.cfg.Self.Acceptors = []wire.Acceptor{resolved}

	go m.dispatchLoop()
	go m.acceptLoop()

	reg, err := registry.Join(ctx, m.cfg.RegistryAcceptor, m.cfg.Self, m.log,
		m.handleKnownParticipants, m.handleRelayedEnvelope, m.handleRegistryLost)
	if err != nil {
		_ = ln.Close()
		return err
	}
	m.reg = reg
	return nil
}

// Close tears down every peer link, the registry connection, and the local
// listener, §4.4: "closes all peer sockets after flushing send queues."
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.ln != nil {
			_ = m.ln.Close()
		}
		if m.reg != nil {
			_ = m.reg.Close()
		}
		m.mu.Lock()
		links := make([]*transport.Link, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.mu.Unlock()
		for _, l := range links {
			_ = l.Close()
		}
	})
	return nil
}

func (m *Manager) acceptLoop() {
	for {
		c, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				m.log.WithError(err).Warn("peer listener accept failed")
				return
			}
		}
		go m.handleInboundConn(c)
	}
}

// handleInboundConn performs the peer-link bootstrap handshake on a freshly
// accepted connection: the dialer identifies itself with a
// ParticipantAnnouncement (reusing the registry's handshake payload shape
// for a second purpose — any stream introducing itself needs the same
// {header, peer info}), after which both sides exchange their local
// receiver index tables.
func (m *Manager) handleInboundConn(c net.Conn) {
	body, err := wire.ReadFrameBody(c)
	if err != nil {
		m.log.WithError(err).Debug("peer link: failed to read bootstrap hello")
		_ = c.Close()
		return
	}
	frame, err := wire.DecodeFrameBody(body)
	if err != nil || frame.Kind != wire.MessageRegistryHandshake || frame.RegistryKind != wire.RegistryParticipantAnnouncement {
		m.log.Debug("peer link: expected a bootstrap hello first")
		_ = c.Close()
		return
	}
	ann, err := wire.DecodeParticipantAnnouncement(frame.Payload)
	if err != nil {
		m.log.WithError(err).Debug("peer link: malformed bootstrap hello")
		_ = c.Close()
		return
	}
	m.establishLink(ann.PeerInfo.Name, c)
}

// connectPeer dials a newly-known peer directly; on failure it falls back
// to registry relay, §4.3 point 4.
func (m *Manager) connectPeer(ctx context.Context, p wire.PeerInfo) {
	acceptor, err := transport.SelectAcceptor(p.Acceptors)
	if err != nil {
		m.markRelayOnly(p.Name)
		return
	}
	c, err := transport.Dial(ctx, acceptor)
	if err != nil {
		m.log.WithError(err).WithField("peer", p.Name).Info("direct dial failed, falling back to relay")
		m.markRelayOnly(p.Name)
		return
	}
	hello := wire.ParticipantAnnouncement{
		Header:   wire.Header{Preamble: wire.Preamble, Version: wire.CurrentVersion},
		PeerInfo: m.cfg.Self,
	}
	frame := wire.EncodeFrame(wire.MessageRegistryHandshake, wire.RegistryParticipantAnnouncement, wire.EncodeParticipantAnnouncement(hello))
	if err := writeAll(c, frame); err != nil {
		m.log.WithError(err).WithField("peer", p.Name).Warn("failed to send peer link hello")
		_ = c.Close()
		m.markRelayOnly(p.Name)
		return
	}
	m.establishLink(p.Name, c)
}

func (m *Manager) establishLink(peerName string, c net.Conn) {
	link := transport.NewLink(peerName, c, transport.DefaultConfig(),
		func(f wire.DecodedFrame) { m.handleLinkFrame(peerName, f) },
		func(err error) { m.handleLinkLost(peerName) },
	)
	m.mu.Lock()
	m.links[peerName] = link
	delete(m.relayOnly, peerName)
	subs := append([]wire.VAsioMsgSubscriber(nil), m.localReceivers...)
	m.mu.Unlock()

	link.Start()
	if err := link.Send(wire.EncodeFrame(wire.MessageSubscriptionAck, 0, wire.EncodeSubscriptionList(subs))); err != nil {
		m.log.WithError(err).WithField("peer", peerName).Warn("failed to announce receiver index table")
	}
	m.log.WithField("peer", peerName).Info("direct peer link established")
	m.notifyReachable(peerName)
	// A receiver registered between Start and this link coming up was
	// already re-broadcast to every *other* established link by
	// RegisterReceiver; this link didn't exist yet to receive that
	// broadcast, but its own bootstrap send above already carries the
	// full current table, so no further action is needed here.
}

func (m *Manager) markRelayOnly(peerName string) {
	m.mu.Lock()
	m.relayOnly[peerName] = true
	m.mu.Unlock()
	m.notifyReachable(peerName)
}

// handleKnownParticipants is the registry's push of the current membership
// set, §4.3. Every peer not already linked or marked relay-only gets a
// connection attempt.
func (m *Manager) handleKnownParticipants(peers []wire.PeerInfo) {
	ctx := context.Background()
	for _, p := range peers {
		if p.Name == m.cfg.Self.Name {
			continue
		}
		m.mu.Lock()
		m.peerInfo[p.Name] = p
		m.peerByID[p.ID] = p.Name
		_, linked := m.links[p.Name]
		relay := m.relayOnly[p.Name]
		m.mu.Unlock()
		if !linked && !relay {
			p := p
			go func() {
				_, _, _ = m.connectGroup.Do(p.Name, func() (interface{}, error) {
					m.connectPeer(ctx, p)
					return nil, nil
				})
			}()
		}
	}
}

// handleLinkFrame processes a frame arriving on a direct peer link: a
// MessageSubscriptionAck updates that peer's receiver index table; a
// MessagePeerMessage is handed to the dispatch goroutine.
func (m *Manager) handleLinkFrame(peerName string, frame wire.DecodedFrame) {
	switch frame.Kind {
	case wire.MessageSubscriptionAck:
		subs, err := wire.DecodeSubscriptionList(frame.Payload)
		if err != nil {
			m.log.WithError(err).WithField("peer", peerName).Warn("malformed subscription list")
			return
		}
		m.storeRemoteIndex(peerName, subs)
	case wire.MessagePeerMessage:
		env, err := wire.DecodePeerEnvelope(frame.Payload)
		if err != nil {
			m.log.WithError(err).WithField("peer", peerName).Warn("malformed peer message")
			return
		}
		m.enqueue(peerName, env)
	default:
		m.log.WithField("peer", peerName).WithField("kind", frame.Kind).Debug("ignoring unexpected peer-link frame")
	}
}

// handleRelayedEnvelope processes a peer message the registry forwarded on
// behalf of a peer this manager has no direct link to, §4.3 point 4. The
// sender is resolved from env.Sender at dispatch time via peerByID, same
// as for a direct link; dispatch ordering is unaffected since every
// inbound envelope, direct or relayed, funnels through the same single
// dispatch goroutine.
func (m *Manager) handleRelayedEnvelope(env wire.PeerEnvelope) {
	m.enqueue("relay", env)
}

func (m *Manager) enqueue(peerName string, env wire.PeerEnvelope) {
	select {
	case m.dispatchCh <- inboundEnvelope{peerName: peerName, env: env}:
	case <-m.closed:
	}
}

// dispatchLoop is the single-threaded dispatch context of §5: one goroutine
// draining every peer's inbound envelopes keeps delivery order per-peer
// (each link's reader feeds this channel in its own arrival order) even
// though the channel interleaves across peers.
func (m *Manager) dispatchLoop() {
	for {
		select {
		case in := <-m.dispatchCh:
			m.mu.Lock()
			handler := m.receiverHandlers[in.env.ReceiverIndex]
			fromPeer := m.peerByID[in.env.Sender]
			m.mu.Unlock()
			if fromPeer == "" {
				fromPeer = in.peerName
			}
			if handler == nil {
				m.log.WithField("peer", fromPeer).WithField("receiverIndex", in.env.ReceiverIndex).Debug("no receiver for inbound message")
				continue
			}
			handler(fromPeer, in.env.Address, in.env.Payload)
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) storeRemoteIndex(peerName string, subs []wire.VAsioMsgSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.remoteIndex[peerName]
	if table == nil {
		table = map[ReceiverKey]uint64{}
		m.remoteIndex[peerName] = table
	}
	for _, s := range subs {
		table[ReceiverKey{NetworkName: s.NetworkName, MsgTypeName: s.MsgTypeName}] = s.ReceiverIndex
	}
}

func (m *Manager) handleLinkLost(peerName string) {
	m.mu.Lock()
	delete(m.links, peerName)
	delete(m.remoteIndex, peerName)
	m.relayOnly[peerName] = true
	m.mu.Unlock()
	m.log.WithField("peer", peerName).Warn("peer link lost, falling back to relay")
}

func (m *Manager) handleRegistryLost(err error) {
	m.log.WithError(err).Error("lost registry connection")
}

// SendBroadcast routes payload to every peer whose receiver index table
// contains (networkName, msgTypeName), §4.4. destEndpoint sub-addresses the
// message within each recipient (e.g. a target service id); the envelope's
// participant address is filled in per-recipient since relay routing keys
// on it. If the sender itself has a matching local receiver registered,
// that receiver is handed the message before anything goes out on the
// wire, §5: "self-delivered broadcasts are delivered locally before being
// sent on the wire, to preserve send-before-observe causality."
func (m *Manager) SendBroadcast(networkName, msgTypeName string, destEndpoint uint64, payload []byte) {
	key := ReceiverKey{NetworkName: networkName, MsgTypeName: msgTypeName}
	m.mu.Lock()
	type target struct {
		name string
		id   uint64
		idx  uint64
	}
	var targets []target
	for peerName, table := range m.remoteIndex {
		if idx, ok := table[key]; ok {
			targets = append(targets, target{name: peerName, id: m.peerInfo[peerName].ID, idx: idx})
		}
	}
	localIdx, haveLocal := m.receiverKeyToIndex[key]
	selfID := m.cfg.Self.ID
	m.mu.Unlock()

	if haveLocal {
		m.enqueue(m.cfg.Self.Name, wire.PeerEnvelope{
			ReceiverIndex: localIdx,
			Sender:        selfID,
			Address:       wire.EndpointAddress{Participant: selfID, Endpoint: destEndpoint},
			Payload:       payload,
		})
	}

	for _, t := range targets {
		addr := wire.EndpointAddress{Participant: t.id, Endpoint: destEndpoint}
		env := wire.PeerEnvelope{ReceiverIndex: t.idx, Sender: m.cfg.Self.ID, Address: addr, Payload: payload}
		if err := m.sendEnvelope(t.name, env); err != nil {
			m.log.WithError(err).WithField("peer", t.name).Warn("broadcast send failed")
		}
	}
}

// SendTargeted sends payload to a single named peer. It returns
// ErrPeerUnreachable if the peer's receiver index for (networkName,
// msgTypeName) is unknown and it has no relay path either; §4.4: "delivery
// to a missing peer fails silently and logs" — the manager always logs it,
// the returned error lets the caller decide whether that's fatal for it.
func (m *Manager) SendTargeted(peerName, networkName, msgTypeName string, destEndpoint uint64, payload []byte) error {
	key := ReceiverKey{NetworkName: networkName, MsgTypeName: msgTypeName}
	m.mu.Lock()
	idx, ok := m.remoteIndex[peerName][key]
	if !ok {
		// best-effort default for a relay-only peer we never negotiated
		// indices with: assume it uses the same index we'd use locally.
		idx, ok = m.receiverKeyToIndex[key]
	}
	peerID := m.peerInfo[peerName].ID
	m.mu.Unlock()
	if !ok {
		m.log.WithField("peer", peerName).WithField("network", networkName).WithField("msgType", msgTypeName).Warn("no receiver index known, dropping")
		return fmt.Errorf("conn: send to %q: %w", peerName, ErrPeerUnreachable)
	}
	addr := wire.EndpointAddress{Participant: peerID, Endpoint: destEndpoint}
	env := wire.PeerEnvelope{ReceiverIndex: idx, Sender: m.cfg.Self.ID, Address: addr, Payload: payload}
	if err := m.sendEnvelope(peerName, env); err != nil {
		m.log.WithError(err).WithField("peer", peerName).Warn("targeted send failed")
		return err
	}
	return nil
}

// sendEnvelope sends over the direct link if one exists, else asks the
// registry to relay it, §4.3 point 4. Either way returns ErrPeerUnreachable
// if neither path exists.
func (m *Manager) sendEnvelope(peerName string, env wire.PeerEnvelope) error {
	m.mu.Lock()
	link := m.links[peerName]
	relay := m.relayOnly[peerName]
	m.mu.Unlock()

	if link != nil {
		return link.Send(wire.EncodeFrame(wire.MessagePeerMessage, 0, wire.EncodePeerEnvelope(env)))
	}
	if relay {
		if m.reg == nil {
			return fmt.Errorf("conn: send to %q: %w", peerName, ErrPeerUnreachable)
		}
		return m.reg.SendRelayed(env)
	}
	return fmt.Errorf("conn: send to %q: %w", peerName, ErrPeerUnreachable)
}

func writeAll(c net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := c.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
