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
	"encoding/binary"
	"io"
	"time"
)

// Preamble is the fixed marker that opens every ParticipantAnnouncement.
const Preamble = "VIB-"

// CurrentVersion is the newest protocol version this build speaks.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 1}

// MinSupportedVersion is the oldest protocol version this build can still
// decode, via the version checks in the service-descriptor codec below.
var MinSupportedVersion = ProtocolVersion{Major: 1, Minor: 0}

// Negotiate picks min(local, remote) the way §4.1 specifies, failing if the
// result falls outside the range this build can still decode.
func Negotiate(remote ProtocolVersion) (ProtocolVersion, error) {
	negotiated := CurrentVersion.Min(remote)
	if negotiated.Compare(MinSupportedVersion) < 0 {
		return ProtocolVersion{}, unsupportedVersion(remote)
	}
	return negotiated, nil
}

// --- primitive little-endian encode/decode, §4.1 ---

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) i64(v int64)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *writer) duration(d time.Duration) { w.i64(int64(d)) }

func (w *writer) bytesSeq(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) { w.bytesSeq([]byte(s)) }

func (w *writer) strSeq(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) stringMap(m map[string]string) {
	w.u32(uint32(len(m)))
	for k, v := range m {
		w.str(k)
		w.str(v)
	}
}

type reader struct {
	r *bytes.Reader
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u8() (uint8, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	var v uint16
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	var v uint32
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	var v uint64
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func (r *reader) i64() (int64, error) {
	var v int64
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func (r *reader) duration() (time.Duration, error) {
	v, err := r.i64()
	return time.Duration(v), err
}

const maxSeqLen = 1 << 24 // guards against a corrupt length prefix demanding a huge allocation

func (r *reader) bytesSeq() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxSeqLen {
		return nil, badTag("sequence length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, truncated(err)
	}
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytesSeq()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) strSeq() ([]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxSeqLen {
		return nil, badTag("sequence length %d exceeds limit", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *reader) stringMap() (map[string]string, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxSeqLen {
		return nil, badTag("map length %d exceeds limit", n)
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *reader) finish() error {
	if r.r.Len() != 0 {
		return badTag("%d trailing bytes after decode", r.r.Len())
	}
	return nil
}

// --- framing, §4.1 ---

// EncodeFrame wraps payload in the [size][kind][registryKind?] envelope.
// registryKind is only written when kind is MessageRegistryHandshake.
func EncodeFrame(kind MessageKind, registryKind RegistryMessageKind, payload []byte) []byte {
	var w writer
	w.u8(uint8(kind))
	if kind == MessageRegistryHandshake {
		w.u8(uint8(registryKind))
	}
	w.buf.Write(payload)
	body := w.buf.Bytes()

	var framed writer
	framed.u32(uint32(len(body)) + 4) // size covers itself too, §4.1
	framed.buf.Write(body)
	return framed.buf.Bytes()
}

// DecodedFrame is a frame split into its routing tag and remaining payload.
type DecodedFrame struct {
	Kind         MessageKind
	RegistryKind RegistryMessageKind
	Payload      []byte
}

// DecodeFrameBody parses everything after the leading size prefix (the
// transport layer is responsible for buffering exactly `size-4` bytes
// before calling this, see transport.Link).
func DecodeFrameBody(body []byte) (DecodedFrame, error) {
	r := newReader(body)
	kindByte, err := r.u8()
	if err != nil {
		return DecodedFrame{}, err
	}
	kind := MessageKind(kindByte)
	var registryKind RegistryMessageKind
	if kind == MessageRegistryHandshake {
		rk, err := r.u8()
		if err != nil {
			return DecodedFrame{}, err
		}
		registryKind = RegistryMessageKind(rk)
	}
	if kindByte > uint8(MessagePeerMessage) {
		return DecodedFrame{}, badTag("unknown message kind %d", kindByte)
	}
	rest := body[len(body)-r.r.Len():]
	return DecodedFrame{Kind: kind, RegistryKind: registryKind, Payload: rest}, nil
}

// ReadFrameBody reads the u32 size prefix from rd and returns the
// `size-4` bytes that follow, i.e. everything EncodeFrame wrote after the
// prefix itself. It is the single blocking read point of transport.Link.
func ReadFrameBody(rd io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(rd, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 4 {
		return nil, badTag("frame size %d smaller than its own prefix", size)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(rd, body); err != nil {
		return nil, truncated(err)
	}
	return body, nil
}

// --- handshake payloads, §6 ---

// Header opens a ParticipantAnnouncement.
type Header struct {
	Preamble string
	Version  ProtocolVersion
}

func encodeHeader(w *writer, h Header) {
	w.str(h.Preamble)
	w.u16(h.Version.Major)
	w.u16(h.Version.Minor)
}

func decodeHeader(r *reader) (Header, error) {
	preamble, err := r.str()
	if err != nil {
		return Header{}, err
	}
	major, err := r.u16()
	if err != nil {
		return Header{}, err
	}
	minor, err := r.u16()
	if err != nil {
		return Header{}, err
	}
	if preamble != Preamble {
		return Header{}, badTag("unexpected preamble %q", preamble)
	}
	return Header{Preamble: preamble, Version: ProtocolVersion{Major: major, Minor: minor}}, nil
}

func encodeAcceptor(w *writer, a Acceptor) {
	w.str(a.Host)
	w.u16(a.Port)
	w.str(a.Path)
}

func decodeAcceptor(r *reader) (Acceptor, error) {
	host, err := r.str()
	if err != nil {
		return Acceptor{}, err
	}
	port, err := r.u16()
	if err != nil {
		return Acceptor{}, err
	}
	path, err := r.str()
	if err != nil {
		return Acceptor{}, err
	}
	return Acceptor{Host: host, Port: port, Path: path}, nil
}

func encodePeerInfo(w *writer, p PeerInfo) {
	w.str(p.Name)
	w.u64(p.ID)
	w.u32(uint32(len(p.Acceptors)))
	for _, a := range p.Acceptors {
		encodeAcceptor(w, a)
	}
}

func decodePeerInfo(r *reader) (PeerInfo, error) {
	name, err := r.str()
	if err != nil {
		return PeerInfo{}, err
	}
	id, err := r.u64()
	if err != nil {
		return PeerInfo{}, err
	}
	n, err := r.u32()
	if err != nil {
		return PeerInfo{}, err
	}
	if n > maxSeqLen {
		return PeerInfo{}, badTag("acceptor count %d exceeds limit", n)
	}
	acceptors := make([]Acceptor, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := decodeAcceptor(r)
		if err != nil {
			return PeerInfo{}, err
		}
		acceptors = append(acceptors, a)
	}
	return PeerInfo{Name: name, ID: id, Acceptors: acceptors}, nil
}

// ParticipantAnnouncement is the first message sent to the registry, §6.
type ParticipantAnnouncement struct {
	Header   Header
	PeerInfo PeerInfo
}

// EncodeParticipantAnnouncement serialises a into the wire format negotiated
// by a.Header.Version.
func EncodeParticipantAnnouncement(a ParticipantAnnouncement) []byte {
	var w writer
	encodeHeader(&w, a.Header)
	encodePeerInfo(&w, a.PeerInfo)
	return w.buf.Bytes()
}

// DecodeParticipantAnnouncement parses a ParticipantAnnouncement payload.
func DecodeParticipantAnnouncement(payload []byte) (ParticipantAnnouncement, error) {
	r := newReader(payload)
	h, err := decodeHeader(r)
	if err != nil {
		return ParticipantAnnouncement{}, err
	}
	p, err := decodePeerInfo(r)
	if err != nil {
		return ParticipantAnnouncement{}, err
	}
	if err := r.finish(); err != nil {
		return ParticipantAnnouncement{}, err
	}
	return ParticipantAnnouncement{Header: h, PeerInfo: p}, nil
}

// VAsioMsgSubscriber describes a single local receiver exchanged during
// link setup, §6.
type VAsioMsgSubscriber struct {
	ReceiverIndex uint64
	NetworkName   string
	MsgTypeName   string
	Version       uint32
}

func encodeSubscriber(w *writer, s VAsioMsgSubscriber) {
	w.u64(s.ReceiverIndex)
	w.str(s.NetworkName)
	w.str(s.MsgTypeName)
	w.u32(s.Version)
}

func decodeSubscriber(r *reader) (VAsioMsgSubscriber, error) {
	idx, err := r.u64()
	if err != nil {
		return VAsioMsgSubscriber{}, err
	}
	network, err := r.str()
	if err != nil {
		return VAsioMsgSubscriber{}, err
	}
	msgType, err := r.str()
	if err != nil {
		return VAsioMsgSubscriber{}, err
	}
	version, err := r.u32()
	if err != nil {
		return VAsioMsgSubscriber{}, err
	}
	return VAsioMsgSubscriber{ReceiverIndex: idx, NetworkName: network, MsgTypeName: msgType, Version: version}, nil
}

// EncodeSubscriptionList encodes the receiver-index-table exchange carried
// in a MessageSubscriptionAck frame (both the initial announcement, with
// ReceiverIndex left 0, and the acknowledgement, with indices assigned),
// §4.4.
func EncodeSubscriptionList(subs []VAsioMsgSubscriber) []byte {
	var w writer
	w.u32(uint32(len(subs)))
	for _, s := range subs {
		encodeSubscriber(&w, s)
	}
	return w.buf.Bytes()
}

// DecodeSubscriptionList decodes the payload produced by EncodeSubscriptionList.
func DecodeSubscriptionList(payload []byte) ([]VAsioMsgSubscriber, error) {
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxSeqLen {
		return nil, badTag("subscription list too long: %d", n)
	}
	subs := make([]VAsioMsgSubscriber, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := decodeSubscriber(r)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return subs, nil
}

// ParticipantAnnouncementReply is the registry's response to a join attempt, §6.
type ParticipantAnnouncementReply struct {
	Header      Header
	Status      AnnouncementStatus
	Reason      string
	Subscribers []VAsioMsgSubscriber
}

// EncodeAnnouncementReply serialises r.
func EncodeAnnouncementReply(r ParticipantAnnouncementReply) []byte {
	var w writer
	encodeHeader(&w, r.Header)
	w.u8(uint8(r.Status))
	w.str(r.Reason)
	w.u32(uint32(len(r.Subscribers)))
	for _, s := range r.Subscribers {
		encodeSubscriber(&w, s)
	}
	return w.buf.Bytes()
}

// DecodeAnnouncementReply parses an AnnouncementReply payload.
func DecodeAnnouncementReply(payload []byte) (ParticipantAnnouncementReply, error) {
	r := newReader(payload)
	h, err := decodeHeader(r)
	if err != nil {
		return ParticipantAnnouncementReply{}, err
	}
	statusByte, err := r.u8()
	if err != nil {
		return ParticipantAnnouncementReply{}, err
	}
	reason, err := r.str()
	if err != nil {
		return ParticipantAnnouncementReply{}, err
	}
	n, err := r.u32()
	if err != nil {
		return ParticipantAnnouncementReply{}, err
	}
	if n > maxSeqLen {
		return ParticipantAnnouncementReply{}, badTag("subscriber count %d exceeds limit", n)
	}
	subs := make([]VAsioMsgSubscriber, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := decodeSubscriber(r)
		if err != nil {
			return ParticipantAnnouncementReply{}, err
		}
		subs = append(subs, s)
	}
	if err := r.finish(); err != nil {
		return ParticipantAnnouncementReply{}, err
	}
	return ParticipantAnnouncementReply{Header: h, Status: AnnouncementStatus(statusByte), Reason: reason, Subscribers: subs}, nil
}

// KnownParticipants is the registry's replay of the current peer table, §6.
type KnownParticipants struct {
	Header Header
	Peers  []PeerInfo
}

// EncodeKnownParticipants serialises k.
func EncodeKnownParticipants(k KnownParticipants) []byte {
	var w writer
	encodeHeader(&w, k.Header)
	w.u32(uint32(len(k.Peers)))
	for _, p := range k.Peers {
		encodePeerInfo(&w, p)
	}
	return w.buf.Bytes()
}

// DecodeKnownParticipants parses a KnownParticipants payload.
func DecodeKnownParticipants(payload []byte) (KnownParticipants, error) {
	r := newReader(payload)
	h, err := decodeHeader(r)
	if err != nil {
		return KnownParticipants{}, err
	}
	n, err := r.u32()
	if err != nil {
		return KnownParticipants{}, err
	}
	if n > maxSeqLen {
		return KnownParticipants{}, badTag("peer count %d exceeds limit", n)
	}
	peers := make([]PeerInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		p, err := decodePeerInfo(r)
		if err != nil {
			return KnownParticipants{}, err
		}
		peers = append(peers, p)
	}
	if err := r.finish(); err != nil {
		return KnownParticipants{}, err
	}
	return KnownParticipants{Header: h, Peers: peers}, nil
}

// --- service descriptor, versioned: v1.0 has no label map ---

func encodeServiceDescriptor(w *writer, d ServiceDescriptor, v ProtocolVersion) {
	w.str(d.ParticipantName)
	w.str(d.NetworkName)
	w.str(d.ServiceName)
	w.u8(uint8(d.ServiceType))
	w.u64(d.ServiceID)
	if v.Compare(ProtocolVersion{Major: 1, Minor: 1}) >= 0 {
		w.stringMap(d.Labels)
	}
}

func decodeServiceDescriptor(r *reader, v ProtocolVersion) (ServiceDescriptor, error) {
	name, err := r.str()
	if err != nil {
		return ServiceDescriptor{}, err
	}
	network, err := r.str()
	if err != nil {
		return ServiceDescriptor{}, err
	}
	service, err := r.str()
	if err != nil {
		return ServiceDescriptor{}, err
	}
	typeByte, err := r.u8()
	if err != nil {
		return ServiceDescriptor{}, err
	}
	id, err := r.u64()
	if err != nil {
		return ServiceDescriptor{}, err
	}
	d := ServiceDescriptor{
		ParticipantName: name,
		NetworkName:     network,
		ServiceName:     service,
		ServiceType:     ServiceType(typeByte),
		ServiceID:       id,
	}
	if v.Compare(ProtocolVersion{Major: 1, Minor: 1}) >= 0 {
		labels, err := r.stringMap()
		if err != nil {
			return ServiceDescriptor{}, err
		}
		d.Labels = labels
	}
	return d, nil
}

// EncodeServiceAnnouncement serialises a ServiceAnnouncement at protocol version v.
func EncodeServiceAnnouncement(a ServiceAnnouncement, v ProtocolVersion) []byte {
	var w writer
	w.u32(uint32(len(a.Services)))
	for _, d := range a.Services {
		encodeServiceDescriptor(&w, d, v)
	}
	return w.buf.Bytes()
}

// DecodeServiceAnnouncement parses a ServiceAnnouncement payload at protocol version v.
func DecodeServiceAnnouncement(payload []byte, v ProtocolVersion) (ServiceAnnouncement, error) {
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return ServiceAnnouncement{}, err
	}
	if n > maxSeqLen {
		return ServiceAnnouncement{}, badTag("service count %d exceeds limit", n)
	}
	services := make([]ServiceDescriptor, 0, n)
	for i := uint32(0); i < n; i++ {
		d, err := decodeServiceDescriptor(r, v)
		if err != nil {
			return ServiceAnnouncement{}, err
		}
		services = append(services, d)
	}
	if err := r.finish(); err != nil {
		return ServiceAnnouncement{}, err
	}
	return ServiceAnnouncement{Services: services}, nil
}

// EncodeServiceDiscoveryEvent serialises e at protocol version v.
func EncodeServiceDiscoveryEvent(e ServiceDiscoveryEvent, v ProtocolVersion) []byte {
	var w writer
	if e.Created {
		w.u8(1)
	} else {
		w.u8(0)
	}
	encodeServiceDescriptor(&w, e.Descriptor, v)
	return w.buf.Bytes()
}

// DecodeServiceDiscoveryEvent parses a ServiceDiscoveryEvent payload at protocol version v.
func DecodeServiceDiscoveryEvent(payload []byte, v ProtocolVersion) (ServiceDiscoveryEvent, error) {
	r := newReader(payload)
	createdByte, err := r.u8()
	if err != nil {
		return ServiceDiscoveryEvent{}, err
	}
	d, err := decodeServiceDescriptor(r, v)
	if err != nil {
		return ServiceDiscoveryEvent{}, err
	}
	if err := r.finish(); err != nil {
		return ServiceDiscoveryEvent{}, err
	}
	return ServiceDiscoveryEvent{Created: createdByte != 0, Descriptor: d}, nil
}

// --- control payloads, §6 ---

// EncodeParticipantStatus serialises s.
func EncodeParticipantStatus(s ParticipantStatus) []byte {
	var w writer
	w.str(s.ParticipantName)
	w.u8(uint8(s.State))
	w.str(s.Reason)
	w.i64(s.EnterTime.UnixNano())
	w.i64(s.RefreshTime.UnixNano())
	return w.buf.Bytes()
}

// DecodeParticipantStatus parses a ParticipantStatus payload.
func DecodeParticipantStatus(payload []byte) (ParticipantStatus, error) {
	r := newReader(payload)
	name, err := r.str()
	if err != nil {
		return ParticipantStatus{}, err
	}
	stateByte, err := r.u8()
	if err != nil {
		return ParticipantStatus{}, err
	}
	reason, err := r.str()
	if err != nil {
		return ParticipantStatus{}, err
	}
	enter, err := r.i64()
	if err != nil {
		return ParticipantStatus{}, err
	}
	refresh, err := r.i64()
	if err != nil {
		return ParticipantStatus{}, err
	}
	if err := r.finish(); err != nil {
		return ParticipantStatus{}, err
	}
	return ParticipantStatus{
		ParticipantName: name,
		State:           ParticipantState(stateByte),
		Reason:          reason,
		EnterTime:       time.Unix(0, enter).UTC(),
		RefreshTime:     time.Unix(0, refresh).UTC(),
	}, nil
}

// EncodeNextSimTask serialises t.
func EncodeNextSimTask(t NextSimTask) []byte {
	var w writer
	w.duration(t.TimePoint)
	w.duration(t.StepSize)
	return w.buf.Bytes()
}

// DecodeNextSimTask parses a NextSimTask payload.
func DecodeNextSimTask(payload []byte) (NextSimTask, error) {
	r := newReader(payload)
	tp, err := r.duration()
	if err != nil {
		return NextSimTask{}, err
	}
	step, err := r.duration()
	if err != nil {
		return NextSimTask{}, err
	}
	if err := r.finish(); err != nil {
		return NextSimTask{}, err
	}
	return NextSimTask{TimePoint: tp, StepSize: step}, nil
}

// EncodeWorkflowConfiguration serialises c.
func EncodeWorkflowConfiguration(c WorkflowConfiguration) []byte {
	var w writer
	w.strSeq(c.RequiredParticipantNames)
	return w.buf.Bytes()
}

// DecodeWorkflowConfiguration parses a WorkflowConfiguration payload.
func DecodeWorkflowConfiguration(payload []byte) (WorkflowConfiguration, error) {
	r := newReader(payload)
	names, err := r.strSeq()
	if err != nil {
		return WorkflowConfiguration{}, err
	}
	if err := r.finish(); err != nil {
		return WorkflowConfiguration{}, err
	}
	return WorkflowConfiguration{RequiredParticipantNames: names}, nil
}

// EncodeSystemCommand serialises c.
func EncodeSystemCommand(c SystemCommand) []byte {
	var w writer
	w.u8(uint8(c.Kind))
	return w.buf.Bytes()
}

// DecodeSystemCommand parses a SystemCommand payload.
func DecodeSystemCommand(payload []byte) (SystemCommand, error) {
	r := newReader(payload)
	kind, err := r.u8()
	if err != nil {
		return SystemCommand{}, err
	}
	if err := r.finish(); err != nil {
		return SystemCommand{}, err
	}
	return SystemCommand{Kind: SystemCommandKind(kind)}, nil
}

// EncodeParticipantCommand serialises c.
func EncodeParticipantCommand(c ParticipantCommand) []byte {
	var w writer
	w.u64(c.TargetParticipantID)
	w.u8(uint8(c.Kind))
	return w.buf.Bytes()
}

// DecodeParticipantCommand parses a ParticipantCommand payload.
func DecodeParticipantCommand(payload []byte) (ParticipantCommand, error) {
	r := newReader(payload)
	target, err := r.u64()
	if err != nil {
		return ParticipantCommand{}, err
	}
	kind, err := r.u8()
	if err != nil {
		return ParticipantCommand{}, err
	}
	if err := r.finish(); err != nil {
		return ParticipantCommand{}, err
	}
	return ParticipantCommand{TargetParticipantID: target, Kind: ParticipantCommandKind(kind)}, nil
}

// --- simulation envelope, §6 ---

// PeerEnvelope prefixes a simulation payload with its routing information.
// Sender is the originating participant's id, carried so a relayed message
// (which otherwise arrives with no connection-level peer identity) can
// still be attributed to whoever sent it.
type PeerEnvelope struct {
	ReceiverIndex uint64
	Sender        uint64
	Address       EndpointAddress
	Payload       []byte
}

// EncodePeerEnvelope serialises e. Payload is copied verbatim: the core
// treats bus/RPC payloads as opaque, §1.
func EncodePeerEnvelope(e PeerEnvelope) []byte {
	var w writer
	w.u64(e.ReceiverIndex)
	w.u64(e.Sender)
	w.u64(e.Address.Participant)
	w.u64(e.Address.Endpoint)
	w.buf.Write(e.Payload)
	return w.buf.Bytes()
}

// DecodePeerEnvelope parses a PeerEnvelope, returning the remaining opaque payload.
func DecodePeerEnvelope(payload []byte) (PeerEnvelope, error) {
	r := newReader(payload)
	idx, err := r.u64()
	if err != nil {
		return PeerEnvelope{}, err
	}
	sender, err := r.u64()
	if err != nil {
		return PeerEnvelope{}, err
	}
	participant, err := r.u64()
	if err != nil {
		return PeerEnvelope{}, err
	}
	endpoint, err := r.u64()
	if err != nil {
		return PeerEnvelope{}, err
	}
	rest := make([]byte, r.r.Len())
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return PeerEnvelope{}, truncated(err)
	}
	return PeerEnvelope{
		ReceiverIndex: idx,
		Sender:        sender,
		Address:       EndpointAddress{Participant: participant, Endpoint: endpoint},
		Payload:       rest,
	}, nil
}
