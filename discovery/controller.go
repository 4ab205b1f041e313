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

// Package discovery implements the service-discovery controller of §4.5: it
// announces locally-created services to every peer and observes each peer's
// announcements, diffing them against what that peer last reported so a
// handler fires exactly once per actual add or remove.
package discovery

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/wire"
)

const (
	networkName    = "discovery"
	msgTypeBundle  = "ServiceAnnouncement"
	msgTypeEvent   = "ServiceDiscoveryEvent"
	bundleEndpoint = 0
	eventEndpoint  = 0
)

// Handler is invoked exactly once per service that is newly observed
// (created=true) or newly withdrawn (created=false) by a remote peer.
// Duplicate re-announcements of an already-known descriptor do not invoke
// it, §4.5.
type Handler func(peerName string, created bool, descriptor wire.ServiceDescriptor)

// Controller is the per-participant service-discovery controller of §4.5. It
// owns the locally-created service set, replays it to every newly-reachable
// peer, and tracks the last-known set reported by every remote peer so it
// can diff incoming announcements.
//
// Grounded on ptp/sptp/client/sptp.go's pattern of an observed-peer-state map
// updated from inbound messages and read back by application logic, here
// specialised to service descriptors instead of clock announcements.
type Controller struct {
	mgr  *conn.Manager
	log  *log.Entry
	self string

	mu       sync.Mutex
	local    map[string]wire.ServiceDescriptor
	remote   map[string]map[string]wire.ServiceDescriptor
	handlers []Handler
}

// New creates a Controller bound to mgr. It registers mgr's receivers for the
// service-announcement bundle and the single-event message, and arranges for
// the cached announcement to be replayed to every peer as it first becomes
// reachable (direct or via relay), §4.5. Call before mgr.Start.
func New(mgr *conn.Manager, selfName string, logger *log.Entry) *Controller {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	c := &Controller{
		mgr:    mgr,
		log:    logger.WithField("component", "discovery"),
		self:   selfName,
		local:  map[string]wire.ServiceDescriptor{},
		remote: map[string]map[string]wire.ServiceDescriptor{},
	}
	mgr.RegisterReceiver(networkName, msgTypeBundle, c.handleBundle)
	mgr.RegisterReceiver(networkName, msgTypeEvent, c.handleEvent)
	mgr.SetPeerReachableHook(c.replayTo)
	return c
}

// RegisterHandler adds fn to the set of handlers invoked on every observed
// add/remove from a remote peer. Handlers run on mgr's dispatch goroutine.
func (c *Controller) RegisterHandler(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Announce adds descriptor to the local service set, broadcasts its
// creation, and folds it into the cached announcement replayed to every
// future peer, §4.5.
func (c *Controller) Announce(descriptor wire.ServiceDescriptor) {
	c.mu.Lock()
	c.local[descriptor.Key()] = descriptor
	c.mu.Unlock()

	c.log.WithField("service", descriptor.Key()).Info("announcing local service")
	c.mgr.SendBroadcast(networkName, msgTypeEvent, eventEndpoint,
		wire.EncodeServiceDiscoveryEvent(wire.ServiceDiscoveryEvent{Created: true, Descriptor: descriptor}, wire.CurrentVersion))
}

// Remove withdraws descriptor from the local service set and broadcasts its
// removal, §4.5.
func (c *Controller) Remove(descriptor wire.ServiceDescriptor) {
	c.mu.Lock()
	delete(c.local, descriptor.Key())
	c.mu.Unlock()

	c.log.WithField("service", descriptor.Key()).Info("withdrawing local service")
	c.mgr.SendBroadcast(networkName, msgTypeEvent, eventEndpoint,
		wire.EncodeServiceDiscoveryEvent(wire.ServiceDiscoveryEvent{Created: false, Descriptor: descriptor}, wire.CurrentVersion))
}

// LocalServices returns a snapshot of the locally-owned service set.
func (c *Controller) LocalServices() []wire.ServiceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ServiceDescriptor, 0, len(c.local))
	for _, d := range c.local {
		out = append(out, d)
	}
	return out
}

// replayTo sends the full cached local announcement to peerName, the first
// time it becomes reachable. This is the "replayed on every new peer-link"
// behavior of §4.5, triggered by conn.Manager's SetPeerReachableHook rather
// than by a per-link handshake message, since the connection manager already
// tracks reachability transitions for both direct and relay paths.
func (c *Controller) replayTo(peerName string) {
	c.mu.Lock()
	services := make([]wire.ServiceDescriptor, 0, len(c.local))
	for _, d := range c.local {
		services = append(services, d)
	}
	c.mu.Unlock()
	if len(services) == 0 {
		return
	}
	payload := wire.EncodeServiceAnnouncement(wire.ServiceAnnouncement{Services: services}, wire.CurrentVersion)
	if err := c.mgr.SendTargeted(peerName, networkName, msgTypeBundle, bundleEndpoint, payload); err != nil {
		c.log.WithError(err).WithField("peer", peerName).Warn("failed to replay service announcement")
	}
}

// handleBundle processes a full ServiceAnnouncement from a peer: it diffs
// the peer's new set against S_remote[peer] and invokes handlers once per
// added or removed descriptor, §4.5.
func (c *Controller) handleBundle(fromPeer string, _ wire.EndpointAddress, payload []byte) {
	ann, err := wire.DecodeServiceAnnouncement(payload, wire.CurrentVersion)
	if err != nil {
		c.log.WithError(err).WithField("peer", fromPeer).Warn("malformed service announcement")
		return
	}
	next := make(map[string]wire.ServiceDescriptor, len(ann.Services))
	for _, d := range ann.Services {
		next[d.Key()] = d
	}

	c.mu.Lock()
	prev := c.remote[fromPeer]
	c.remote[fromPeer] = next
	c.mu.Unlock()

	var added, removed []wire.ServiceDescriptor
	for key, d := range next {
		if _, ok := prev[key]; !ok {
			added = append(added, d)
		}
	}
	for key, d := range prev {
		if _, ok := next[key]; !ok {
			removed = append(removed, d)
		}
	}
	c.notifyAll(fromPeer, true, added)
	c.notifyAll(fromPeer, false, removed)
}

// handleEvent processes a single ServiceDiscoveryEvent from a peer.
// Re-receiving an already-applied event (the descriptor is already present
// for Created, or already absent for removal) is a duplicate and must not
// invoke handlers, §4.5.
func (c *Controller) handleEvent(fromPeer string, _ wire.EndpointAddress, payload []byte) {
	event, err := wire.DecodeServiceDiscoveryEvent(payload, wire.CurrentVersion)
	if err != nil {
		c.log.WithError(err).WithField("peer", fromPeer).Warn("malformed service discovery event")
		return
	}
	key := event.Descriptor.Key()

	c.mu.Lock()
	set := c.remote[fromPeer]
	if set == nil {
		set = map[string]wire.ServiceDescriptor{}
		c.remote[fromPeer] = set
	}
	_, present := set[key]
	duplicate := present == event.Created
	if event.Created {
		set[key] = event.Descriptor
	} else {
		delete(set, key)
	}
	c.mu.Unlock()

	if duplicate {
		return
	}
	c.notifyOne(fromPeer, event.Created, event.Descriptor)
}

func (c *Controller) notifyAll(peerName string, created bool, descriptors []wire.ServiceDescriptor) {
	for _, d := range descriptors {
		c.notifyOne(peerName, created, d)
	}
}

func (c *Controller) notifyOne(peerName string, created bool, descriptor wire.ServiceDescriptor) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(peerName, created, descriptor)
	}
}
