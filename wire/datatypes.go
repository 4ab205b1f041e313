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

package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	goversion "github.com/hashicorp/go-version"
)

// ProtocolVersion is the {major,minor} version exchanged in the handshake.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// String implements fmt.Stringer.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// asHashicorpVersion projects v into a *version.Version so we can reuse
// hashicorp/go-version's comparator instead of hand-rolling one.
func (v ProtocolVersion) asHashicorpVersion() *goversion.Version {
	// the error is impossible: the input is always a well-formed "%d.%d.0".
	hv, _ := goversion.NewVersion(fmt.Sprintf("%d.%d.0", v.Major, v.Minor))
	return hv
}

// Compare returns -1, 0 or 1 the way version.Version.Compare does.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	return v.asHashicorpVersion().Compare(other.asHashicorpVersion())
}

// Min returns the lesser of v and other.
func (v ProtocolVersion) Min(other ProtocolVersion) ProtocolVersion {
	if v.Compare(other) <= 0 {
		return v
	}
	return other
}

// Acceptor is one reachable address a peer advertises to the mesh.
type Acceptor struct {
	Host string
	Port uint16
	// Path is set instead of Host/Port for a local-IPC acceptor.
	Path string
}

// Local reports whether this is a local-IPC acceptor.
func (a Acceptor) Local() bool {
	return a.Path != ""
}

// String renders a in the same scheme ParseAcceptorURI accepts.
func (a Acceptor) String() string {
	if a.Local() {
		return "local://" + a.Path
	}
	return fmt.Sprintf("silkit://%s:%d", a.Host, a.Port)
}

// ParseAcceptorURI parses the registry/listen URI scheme of §6:
// "silkit://host:port" for TCP, "local://path" for IPC.
func ParseAcceptorURI(uri string) (Acceptor, error) {
	switch {
	case strings.HasPrefix(uri, "silkit://"):
		hostport := strings.TrimPrefix(uri, "silkit://")
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return Acceptor{}, fmt.Errorf("wire: invalid silkit:// uri %q: %w", uri, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Acceptor{}, fmt.Errorf("wire: invalid silkit:// port in %q: %w", uri, err)
		}
		return Acceptor{Host: host, Port: uint16(port)}, nil
	case strings.HasPrefix(uri, "local://"):
		path := strings.TrimPrefix(uri, "local://")
		if path == "" {
			return Acceptor{}, fmt.Errorf("wire: local:// uri %q is missing a path", uri)
		}
		return Acceptor{Path: path}, nil
	default:
		return Acceptor{}, fmt.Errorf("wire: unrecognized acceptor uri %q, expected silkit:// or local://", uri)
	}
}

// PeerInfo identifies a participant and how to reach it, §3.
type PeerInfo struct {
	Name      string
	ID        uint64
	Acceptors []Acceptor
}

// ParticipantID derives the stable numeric id for name, §3: "a numeric id
// derived by a deterministic hash of the name".
func ParticipantID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// ServiceDescriptor uniquely identifies a logical endpoint in the mesh, §3.
type ServiceDescriptor struct {
	ParticipantName string
	NetworkName     string
	ServiceName     string
	ServiceType     ServiceType
	// ServiceID is supplied by whoever builds the descriptor; nothing in
	// this repository assigns it or checks that it is unique or monotonic.
	ServiceID uint64
	Labels    map[string]string
}

// Key returns a value suitable for use as a map key identifying the
// descriptor's addressable identity (everything but the supplemental map,
// which may legitimately differ across re-announcements of "the same"
// endpoint and is compared separately by callers that care).
func (d ServiceDescriptor) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d/%d", d.ParticipantName, d.NetworkName, d.ServiceName, d.ServiceType, d.ServiceID)
}

// ParticipantStatus is the status a participant publishes about itself, §3.
type ParticipantStatus struct {
	ParticipantName string
	State           ParticipantState
	Reason          string
	EnterTime       time.Time
	RefreshTime     time.Time
}

// WorkflowConfiguration is the cluster-authoritative required-participant set, §3.
type WorkflowConfiguration struct {
	RequiredParticipantNames []string
}

// NextSimTask is the virtual-time synchronisation token, §3/§4.9.
type NextSimTask struct {
	TimePoint time.Duration
	StepSize  time.Duration
}

// ServiceAnnouncement is the cached, replay-once-per-peer bundle of a
// participant's locally-owned service descriptors, §4.5.
type ServiceAnnouncement struct {
	Services []ServiceDescriptor
}

// ServiceDiscoveryEvent reports a single service's creation or removal, §4.5.
type ServiceDiscoveryEvent struct {
	Created    bool
	Descriptor ServiceDescriptor
}

// SystemCommand is a cluster-wide command broadcast by the system controller, §4.8.
type SystemCommand struct {
	Kind SystemCommandKind
}

// ParticipantCommand targets a single participant, §4.8.
type ParticipantCommand struct {
	TargetParticipantID uint64
	Kind                ParticipantCommandKind
}

// EndpointAddress names the destination endpoint inside a PeerMessage
// envelope, §6; the sender travels separately in PeerEnvelope.Sender.
type EndpointAddress struct {
	Participant uint64
	Endpoint    uint64
}
