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

// Package wire defines the shared data types and the length-prefixed
// binary framing used by every coresim peer, plus the registry.
package wire

import "fmt"

// MessageKind is the top-level tag of a framed message, see EncodeFrame
// and DecodedFrame.
type MessageKind uint8

// Message kinds, Table: frame kind values.
const (
	MessageRegistryHandshake MessageKind = iota
	MessageSubscriptionAck
	MessageAnnounceServices
	MessagePeerMessage
)

// String implements fmt.Stringer.
func (k MessageKind) String() string {
	switch k {
	case MessageRegistryHandshake:
		return "RegistryHandshake"
	case MessageSubscriptionAck:
		return "SubscriptionAck"
	case MessageAnnounceServices:
		return "AnnounceServices"
	case MessagePeerMessage:
		return "PeerMessage"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// RegistryMessageKind selects the sub-type of a MessageRegistryHandshake frame.
type RegistryMessageKind uint8

// Registry message kinds.
const (
	RegistryParticipantAnnouncement RegistryMessageKind = iota
	RegistryAnnouncementReply
	RegistryKnownParticipants
)

// String implements fmt.Stringer.
func (k RegistryMessageKind) String() string {
	switch k {
	case RegistryParticipantAnnouncement:
		return "ParticipantAnnouncement"
	case RegistryAnnouncementReply:
		return "AnnouncementReply"
	case RegistryKnownParticipants:
		return "KnownParticipants"
	default:
		return fmt.Sprintf("RegistryMessageKind(%d)", uint8(k))
	}
}

// AnnouncementStatus is the status field of an AnnouncementReply.
type AnnouncementStatus uint8

// Announcement statuses.
const (
	AnnouncementFailed AnnouncementStatus = iota
	AnnouncementSuccess
)

// ServiceType tags the kind of logical endpoint a service descriptor names.
type ServiceType uint8

// Service types, per §3 of the spec.
const (
	ServiceLifecycle ServiceType = iota
	ServiceTimeSync
	ServiceSystemMonitor
	ServiceSystemController
	ServiceLogSender
	ServiceLogReceiver
	ServiceDiscoveryService
	ServiceBusController
	ServiceDataPublisher
	ServiceDataSubscriberInternal
	ServiceRPCClient
	ServiceRPCServerInternal
	ServiceInternalControllerLink
)

// String implements fmt.Stringer.
func (t ServiceType) String() string {
	switch t {
	case ServiceLifecycle:
		return "Lifecycle"
	case ServiceTimeSync:
		return "TimeSync"
	case ServiceSystemMonitor:
		return "SystemMonitor"
	case ServiceSystemController:
		return "SystemController"
	case ServiceLogSender:
		return "LogSender"
	case ServiceLogReceiver:
		return "LogReceiver"
	case ServiceDiscoveryService:
		return "ServiceDiscovery"
	case ServiceBusController:
		return "BusController"
	case ServiceDataPublisher:
		return "DataPublisher"
	case ServiceDataSubscriberInternal:
		return "DataSubscriberInternal"
	case ServiceRPCClient:
		return "RPCClient"
	case ServiceRPCServerInternal:
		return "RPCServerInternal"
	case ServiceInternalControllerLink:
		return "InternalControllerLink"
	default:
		return fmt.Sprintf("ServiceType(%d)", uint8(t))
	}
}

// ParticipantState is one node of the lifecycle state graph, §3/§4.7.
type ParticipantState uint8

// Participant states, in the order of the "forward" edges of the lifecycle
// graph. Relative order matters: System monitor's weakest-link rule (§4.8)
// compares states with <.
const (
	StateInvalid ParticipantState = iota
	StateServicesCreated
	StateCommunicationInitializing
	StateCommunicationInitialized
	StateReadyToRun
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateShuttingDown
	StateShutdown
	StateError
	StateAborting
)

// String implements fmt.Stringer.
func (s ParticipantState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateServicesCreated:
		return "ServicesCreated"
	case StateCommunicationInitializing:
		return "CommunicationInitializing"
	case StateCommunicationInitialized:
		return "CommunicationInitialized"
	case StateReadyToRun:
		return "ReadyToRun"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	case StateError:
		return "Error"
	case StateAborting:
		return "Aborting"
	default:
		return fmt.Sprintf("ParticipantState(%d)", uint8(s))
	}
}

// Terminal reports whether the state has no outgoing transitions.
func (s ParticipantState) Terminal() bool {
	return s == StateShutdown
}

// SystemCommandKind is the kind field of a cluster-wide SystemCommand.
type SystemCommandKind uint8

// System command kinds.
const (
	SystemCommandRun SystemCommandKind = iota
	SystemCommandStop
	SystemCommandShutdown
	SystemCommandAbortSimulation
)

// String implements fmt.Stringer.
func (k SystemCommandKind) String() string {
	switch k {
	case SystemCommandRun:
		return "Run"
	case SystemCommandStop:
		return "Stop"
	case SystemCommandShutdown:
		return "Shutdown"
	case SystemCommandAbortSimulation:
		return "AbortSimulation"
	default:
		return fmt.Sprintf("SystemCommandKind(%d)", uint8(k))
	}
}

// ParticipantCommandKind is the kind field of a per-participant command.
type ParticipantCommandKind uint8

// Participant command kinds.
const (
	ParticipantCommandRun ParticipantCommandKind = iota
	ParticipantCommandStop
	ParticipantCommandRestart
)

// String implements fmt.Stringer.
func (k ParticipantCommandKind) String() string {
	switch k {
	case ParticipantCommandRun:
		return "Run"
	case ParticipantCommandStop:
		return "Stop"
	case ParticipantCommandRestart:
		return "Restart"
	default:
		return fmt.Sprintf("ParticipantCommandKind(%d)", uint8(k))
	}
}
