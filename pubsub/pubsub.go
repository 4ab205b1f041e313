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

// Package pubsub matches data publishers to data subscribers by topic,
// media type and labels, §4.6. A publisher is just a service descriptor
// broadcast through discovery; a subscriber watches discovery events and,
// on a match, spawns a dedicated connection-manager receiver bound to the
// publisher's descriptor key so data thereafter flows by that key instead
// of by re-evaluating the match predicate per message.
package pubsub

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/discovery"
	"github.com/facebook/coresim/wire"
)

// mediaTypeLabel is the reserved ServiceDescriptor.Labels key a Publisher's
// media type travels under. Folding it into the existing label map avoids a
// dedicated wire field: the wildcard rule for media type ("absent on the
// subscriber side matches any publisher value") is exactly the subset-match
// rule every other label already follows for an absent subscriber key.
const mediaTypeLabel = "__media_type"

const (
	dataMsgType  = "data"
	dataEndpoint = 0
)

// Spec describes one side of a match: the topic to publish or subscribe to,
// an optional media type (empty means "any" on the subscriber side), and a
// label set.
type Spec struct {
	Topic     string
	MediaType string
	Labels    map[string]string
}

func (s Spec) toLabels() map[string]string {
	labels := make(map[string]string, len(s.Labels)+1)
	for k, v := range s.Labels {
		labels[k] = v
	}
	if s.MediaType != "" {
		labels[mediaTypeLabel] = s.MediaType
	}
	return labels
}

// matches evaluates the §4.6 match predicate: subscriber sub against
// publisher descriptor pub. Topic is exact equality; media type is a
// wildcard (subscriber's absent matches anything); labels are a subset
// match — every subscriber key must be present on the publisher side with
// an equal value, including the folded-in media-type key.
func matches(sub Spec, pub wire.ServiceDescriptor) bool {
	if sub.Topic != pub.ServiceName {
		return false
	}
	for k, v := range sub.toLabels() {
		if pub.Labels[k] != v {
			return false
		}
	}
	return true
}

// Publisher owns a published topic. It announces on creation and withdraws
// on Close, §4.6.
type Publisher struct {
	mgr  *conn.Manager
	disc *discovery.Controller
	desc wire.ServiceDescriptor
}

// NewPublisher announces spec as a ServiceDataPublisher descriptor owned by
// participantName/networkName/serviceID and returns a handle to publish
// data and withdraw it.
func NewPublisher(mgr *conn.Manager, disc *discovery.Controller, participantName, networkName string, serviceID uint64, spec Spec) *Publisher {
	desc := wire.ServiceDescriptor{
		ParticipantName: participantName,
		NetworkName:     networkName,
		ServiceName:     spec.Topic,
		ServiceType:     wire.ServiceDataPublisher,
		ServiceID:       serviceID,
		Labels:          spec.toLabels(),
	}
	disc.Announce(desc)
	return &Publisher{mgr: mgr, disc: disc, desc: desc}
}

// Key names this publisher's dedicated data link, matching the key every
// matched Subscriber binds its internal receiver to.
func (p *Publisher) Key() string {
	return p.desc.Key()
}

// Descriptor returns the announced descriptor.
func (p *Publisher) Descriptor() wire.ServiceDescriptor {
	return p.desc
}

// Publish sends payload to every currently-matched subscriber. Routing is
// by the publisher's own descriptor key (an internal subscriber's bound
// receiver), not by re-evaluating topic/mediaType/labels per message —
// matching happens once, at bind time, §4.6.
func (p *Publisher) Publish(payload []byte) {
	p.mgr.SendBroadcast(p.Key(), dataMsgType, dataEndpoint, payload)
}

// Close withdraws the publisher, §4.6 "on publisher removal the internal
// subscriber is torn down" (the teardown itself happens on the matched
// Subscriber, driven by the corresponding discovery removal event).
func (p *Publisher) Close() {
	p.disc.Remove(p.desc)
}

// DataHandler is invoked, on the owning conn.Manager's dispatch goroutine,
// for every message delivered on a matched publisher's dedicated link.
type DataHandler func(fromPeer string, payload []byte)

// Subscriber watches discovery for publishers matching its Spec and
// maintains one internal, dedicated receiver per currently-matched
// publisher, spawning and tearing them down as matches appear and
// disappear, §4.6.
type Subscriber struct {
	mgr  *conn.Manager
	spec Spec
	log  *log.Entry

	mu     sync.Mutex
	bound  map[string]uint64 // publisher descriptor key -> receiver index
	onData DataHandler
}

// NewSubscriber registers spec against disc: every publisher descriptor
// disc observes from then on, matching spec, gets an internal subscriber
// link; onData is invoked per matched publisher's inbound data. Publishers
// disc observed before the call are not replayed and are not bound.
func NewSubscriber(mgr *conn.Manager, disc *discovery.Controller, spec Spec, onData DataHandler, logger *log.Entry) *Subscriber {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Subscriber{
		mgr:    mgr,
		spec:   spec,
		log:    logger.WithField("component", "pubsub"),
		bound:  map[string]uint64{},
		onData: onData,
	}
	disc.RegisterHandler(s.handleDiscoveryEvent)
	return s
}

func (s *Subscriber) handleDiscoveryEvent(peerName string, created bool, descriptor wire.ServiceDescriptor) {
	if descriptor.ServiceType != wire.ServiceDataPublisher {
		return
	}
	if !created {
		s.unbind(descriptor)
		return
	}
	if !matches(s.spec, descriptor) {
		return
	}
	s.bind(peerName, descriptor)
}

// bind spawns the internal subscriber link for a newly-matched publisher.
func (s *Subscriber) bind(peerName string, descriptor wire.ServiceDescriptor) {
	key := descriptor.Key()
	s.mu.Lock()
	if _, already := s.bound[key]; already {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	idx := s.mgr.RegisterReceiver(key, dataMsgType, func(fromPeer string, _ wire.EndpointAddress, payload []byte) {
		if s.onData != nil {
			s.onData(fromPeer, payload)
		}
	})

	s.mu.Lock()
	s.bound[key] = idx
	s.mu.Unlock()
	s.log.WithField("publisher", key).WithField("peer", peerName).Info("internal subscriber bound")
}

// unbind tears the internal subscriber link down on publisher removal or a
// match that no longer holds, §4.6.
func (s *Subscriber) unbind(descriptor wire.ServiceDescriptor) {
	key := descriptor.Key()
	s.mu.Lock()
	idx, ok := s.bound[key]
	if ok {
		delete(s.bound, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.mgr.UnregisterReceiver(idx)
	s.log.WithField("publisher", key).Info("internal subscriber torn down")
}
