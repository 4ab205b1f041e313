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

package orchestration

import (
	"github.com/facebook/coresim/conn"
	"github.com/facebook/coresim/wire"
)

// Controller is the system controller of §4.8: a thin broadcaster of
// cluster-wide SystemCommands and per-participant ParticipantCommands. It
// holds no state of its own beyond the connection manager it sends
// through; the receiving end (each participant's lifecycle, driven
// outside this package) is what actually reacts to a command.
type Controller struct {
	mgr *conn.Manager
}

// NewController wraps mgr. It does not register any receivers: sending
// commands needs no reply path, and a participant observes its own
// broadcasts the same way it observes a peer's, §5 (a self-addressed
// broadcast is delivered to the sender too).
func NewController(mgr *conn.Manager) *Controller {
	return &Controller{mgr: mgr}
}

// SendSystemCommand broadcasts kind to every participant in the mesh,
// including this one, §4.8.
func (c *Controller) SendSystemCommand(kind wire.SystemCommandKind) {
	payload := wire.EncodeSystemCommand(wire.SystemCommand{Kind: kind})
	c.mgr.SendBroadcast(networkName, msgTypeSystemCommand, systemCommandEndpoint, payload)
}

// SendParticipantCommand broadcasts a command targeted at a single
// participant (identified by wire.ParticipantID(name)); every peer
// receives the frame and is expected to ignore it unless it is the
// target, §4.8.
func (c *Controller) SendParticipantCommand(targetName string, kind wire.ParticipantCommandKind) {
	payload := wire.EncodeParticipantCommand(wire.ParticipantCommand{
		TargetParticipantID: wire.ParticipantID(targetName),
		Kind:                kind,
	})
	c.mgr.SendBroadcast(networkName, msgTypeParticipantCmd, participantCmdEndpoint, payload)
}

// PublishWorkflowConfiguration broadcasts the cluster-authoritative
// required-participant set. Sent once, by whichever participant owns it,
// §4.8.
func (c *Controller) PublishWorkflowConfiguration(cfg wire.WorkflowConfiguration) {
	c.mgr.SendBroadcast(networkName, msgTypeWorkflowConfig, workflowConfigEndpoint, wire.EncodeWorkflowConfiguration(cfg))
}

// CommandReceiver registers mgr's receivers for incoming SystemCommand and
// ParticipantCommand frames and routes them to onSystem/onParticipant.
// selfID is this participant's own id, used to filter ParticipantCommand
// frames not addressed to it.
type CommandReceiver struct {
	selfID uint64
}

// NewCommandReceiver registers receivers on mgr for SystemCommand and
// ParticipantCommand frames. onSystem is invoked for every SystemCommand
// observed (including self-sent ones, §5); onParticipant is invoked only
// for ParticipantCommand frames addressed to selfName.
func NewCommandReceiver(mgr *conn.Manager, selfName string, onSystem func(wire.SystemCommandKind), onParticipant func(wire.ParticipantCommandKind)) *CommandReceiver {
	r := &CommandReceiver{selfID: wire.ParticipantID(selfName)}
	mgr.RegisterReceiver(networkName, msgTypeSystemCommand, func(_ string, _ wire.EndpointAddress, payload []byte) {
		cmd, err := wire.DecodeSystemCommand(payload)
		if err != nil {
			return
		}
		if onSystem != nil {
			onSystem(cmd.Kind)
		}
	})
	mgr.RegisterReceiver(networkName, msgTypeParticipantCmd, func(_ string, _ wire.EndpointAddress, payload []byte) {
		cmd, err := wire.DecodeParticipantCommand(payload)
		if err != nil {
			return
		}
		if cmd.TargetParticipantID != r.selfID {
			return
		}
		if onParticipant != nil {
			onParticipant(cmd.Kind)
		}
	})
	return r
}

// StatusPublisher periodically (or on demand) broadcasts this
// participant's ParticipantStatus, §4.8. Wiring Lifecycle.OnStateChange to
// Publish is the usual way to drive it.
type StatusPublisher struct {
	mgr  *conn.Manager
	name string
}

// NewStatusPublisher wraps mgr for publishing selfName's own status.
func NewStatusPublisher(mgr *conn.Manager, selfName string) *StatusPublisher {
	return &StatusPublisher{mgr: mgr, name: selfName}
}

// Publish broadcasts the current status.
func (p *StatusPublisher) Publish(status wire.ParticipantStatus) {
	status.ParticipantName = p.name
	p.mgr.SendBroadcast(networkName, msgTypeStatus, statusEndpoint, wire.EncodeParticipantStatus(status))
}
