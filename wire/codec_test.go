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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	// scenario 5: peer advertises v3.0, we support up to 1.1 here (domain
	// renumbered vs. the spec's example, semantics identical) and down to 1.0.
	t.Run("downgrades to the older mutually supported version", func(t *testing.T) {
		v, err := Negotiate(ProtocolVersion{Major: 1, Minor: 0})
		require.NoError(t, err)
		assert.Equal(t, ProtocolVersion{Major: 1, Minor: 0}, v)
	})

	t.Run("keeps the local version when remote is newer in the same major", func(t *testing.T) {
		v, err := Negotiate(ProtocolVersion{Major: 1, Minor: 5})
		require.NoError(t, err)
		assert.Equal(t, CurrentVersion, v)
	})

	t.Run("fails when no compatible version exists", func(t *testing.T) {
		_, err := Negotiate(ProtocolVersion{Major: 0, Minor: 9})
		require.Error(t, err)
		var ce *CodecError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, CodecUnsupportedVersion, ce.Kind)
	})
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame := EncodeFrame(MessagePeerMessage, 0, payload)

	got, err := ReadFrameBody(bytes.NewReader(frame))
	require.NoError(t, err)
	decoded, err := DecodeFrameBody(got)
	require.NoError(t, err)
	assert.Equal(t, MessagePeerMessage, decoded.Kind)
	assert.Equal(t, payload, decoded.Payload)
}

func TestFrameRegistryKindRoundTrip(t *testing.T) {
	frame := EncodeFrame(MessageRegistryHandshake, RegistryKnownParticipants, []byte{1, 2, 3})
	body, err := ReadFrameBody(bytes.NewReader(frame))
	require.NoError(t, err)
	decoded, err := DecodeFrameBody(body)
	require.NoError(t, err)
	assert.Equal(t, MessageRegistryHandshake, decoded.Kind)
	assert.Equal(t, RegistryKnownParticipants, decoded.RegistryKind)
	assert.Equal(t, []byte{1, 2, 3}, decoded.Payload)
}

// testableProperty5: decode(encode(M, v), v) == M for every supported version.
func TestServiceAnnouncementRoundTripAcrossVersions(t *testing.T) {
	for _, v := range []ProtocolVersion{{Major: 1, Minor: 0}, {Major: 1, Minor: 1}} {
		t.Run(v.String(), func(t *testing.T) {
			ann := ServiceAnnouncement{
				Services: []ServiceDescriptor{
					{ParticipantName: "Unit", NetworkName: "CAN1", ServiceName: "pub1", ServiceType: ServiceDataPublisher, ServiceID: 1, Labels: map[string]string{"k1": "v1"}},
				},
			}
			encoded := EncodeServiceAnnouncement(ann, v)
			decoded, err := DecodeServiceAnnouncement(encoded, v)
			require.NoError(t, err)
			if v.Compare(ProtocolVersion{Major: 1, Minor: 1}) < 0 {
				// legacy v1.0 has no label wire format: labels are dropped, not round-tripped.
				assert.Nil(t, decoded.Services[0].Labels)
				decoded.Services[0].Labels = ann.Services[0].Labels
			}
			assert.Equal(t, ann, decoded)
		})
	}
}

func TestParticipantAnnouncementRoundTrip(t *testing.T) {
	ann := ParticipantAnnouncement{
		Header: Header{Preamble: Preamble, Version: CurrentVersion},
		PeerInfo: PeerInfo{
			Name: "Unit",
			ID:   ParticipantID("Unit"),
			Acceptors: []Acceptor{
				{Host: "127.0.0.1", Port: 8600},
				{Path: "/tmp/unit.sock"},
			},
		},
	}
	encoded := EncodeParticipantAnnouncement(ann)
	decoded, err := DecodeParticipantAnnouncement(encoded)
	require.NoError(t, err)
	assert.Equal(t, ann, decoded)
}

func TestParticipantAnnouncementBadPreamble(t *testing.T) {
	ann := ParticipantAnnouncement{Header: Header{Preamble: "NOPE", Version: CurrentVersion}, PeerInfo: PeerInfo{Name: "x"}}
	encoded := EncodeParticipantAnnouncement(ann)
	_, err := DecodeParticipantAnnouncement(encoded)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecBadTag, ce.Kind)
}

func TestAnnouncementReplyRoundTrip(t *testing.T) {
	reply := ParticipantAnnouncementReply{
		Header: Header{Preamble: Preamble, Version: CurrentVersion},
		Status: AnnouncementSuccess,
		Subscribers: []VAsioMsgSubscriber{
			{ReceiverIndex: 1, NetworkName: "CAN1", MsgTypeName: "CanFrameEvent", Version: 1},
		},
	}
	encoded := EncodeAnnouncementReply(reply)
	decoded, err := DecodeAnnouncementReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, reply, decoded)
}

func TestKnownParticipantsRoundTrip(t *testing.T) {
	kp := KnownParticipants{
		Header: Header{Preamble: Preamble, Version: CurrentVersion},
		Peers: []PeerInfo{
			{Name: "A", ID: ParticipantID("A"), Acceptors: []Acceptor{{Host: "h", Port: 1}}},
			{Name: "B", ID: ParticipantID("B")},
		},
	}
	encoded := EncodeKnownParticipants(kp)
	decoded, err := DecodeKnownParticipants(encoded)
	require.NoError(t, err)
	assert.Equal(t, kp, decoded)
}

func TestParticipantStatusRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123000000).UTC()
	s := ParticipantStatus{ParticipantName: "Unit", State: StateRunning, Reason: "started", EnterTime: now, RefreshTime: now}
	decoded, err := DecodeParticipantStatus(EncodeParticipantStatus(s))
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestNextSimTaskRoundTrip(t *testing.T) {
	task := NextSimTask{TimePoint: 5 * time.Millisecond, StepSize: time.Millisecond}
	decoded, err := DecodeNextSimTask(EncodeNextSimTask(task))
	require.NoError(t, err)
	assert.Equal(t, task, decoded)
}

func TestWorkflowConfigurationRoundTrip(t *testing.T) {
	cfg := WorkflowConfiguration{RequiredParticipantNames: []string{"A", "B", "C"}}
	decoded, err := DecodeWorkflowConfiguration(EncodeWorkflowConfiguration(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg, decoded)
}

func TestSystemAndParticipantCommandRoundTrip(t *testing.T) {
	sc := SystemCommand{Kind: SystemCommandAbortSimulation}
	decodedSC, err := DecodeSystemCommand(EncodeSystemCommand(sc))
	require.NoError(t, err)
	assert.Equal(t, sc, decodedSC)

	pc := ParticipantCommand{TargetParticipantID: 42, Kind: ParticipantCommandRestart}
	decodedPC, err := DecodeParticipantCommand(EncodeParticipantCommand(pc))
	require.NoError(t, err)
	assert.Equal(t, pc, decodedPC)
}

func TestServiceDiscoveryEventRoundTrip(t *testing.T) {
	e := ServiceDiscoveryEvent{Created: true, Descriptor: ServiceDescriptor{ParticipantName: "Unit", ServiceType: ServiceDataSubscriberInternal, ServiceID: 7}}
	decoded, err := DecodeServiceDiscoveryEvent(EncodeServiceDiscoveryEvent(e, CurrentVersion), CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestPeerEnvelopeRoundTrip(t *testing.T) {
	env := PeerEnvelope{ReceiverIndex: 3, Sender: 4, Address: EndpointAddress{Participant: 1, Endpoint: 2}, Payload: []byte{9, 9, 9}}
	decoded, err := DecodePeerEnvelope(EncodePeerEnvelope(env))
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestSubscriptionListRoundTrip(t *testing.T) {
	subs := []VAsioMsgSubscriber{
		{NetworkName: "CAN1", MsgTypeName: "CanFrameEvent", Version: 1},
		{ReceiverIndex: 7, NetworkName: "CAN1", MsgTypeName: "CanFrameEvent", Version: 1},
	}
	decoded, err := DecodeSubscriptionList(EncodeSubscriptionList(subs))
	require.NoError(t, err)
	assert.Equal(t, subs, decoded)
}

func TestReadFrameBodyTruncated(t *testing.T) {
	frame := EncodeFrame(MessagePeerMessage, 0, []byte("hello"))
	_, err := ReadFrameBody(bytes.NewReader(frame[:len(frame)-2]))
	require.Error(t, err)
}

func TestDecodeFrameBodyUnknownKind(t *testing.T) {
	var w writer
	w.u8(255)
	_, err := DecodeFrameBody(w.buf.Bytes())
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecBadTag, ce.Kind)
}

