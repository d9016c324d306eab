package wire

import (
	"bytes"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	// ErrMalformed reports truncated or structurally invalid input.
	ErrMalformed = errors.New("wire: malformed packet")
	// ErrUnknownVariant reports an unrecognised oneof discriminant.
	ErrUnknownVariant = errors.New("wire: unknown variant")
)

// Field numbers. These are part of the wire contract and must never be
// renumbered; string.proto declares the same numbers.
const (
	// Packet oneof
	fieldPacketGossip                protowire.Number = 1
	fieldPacketMessage               protowire.Number = 2
	fieldPacketPeerPubKeyExchange    protowire.Number = 3
	fieldPacketSendAvailablePeers    protowire.Number = 4
	fieldPacketRequestAvailablePeers protowire.Number = 5

	// Gossip
	fieldGossipID       protowire.Number = 1
	fieldGossipTTL      protowire.Number = 2
	fieldGossipPeerName protowire.Number = 3
	fieldGossipContent  protowire.Number = 4
	fieldGossipPacket   protowire.Number = 5

	// Message
	fieldMessageID          protowire.Number = 1
	fieldMessageChannelID   protowire.Number = 2
	fieldMessageUsername    protowire.Number = 3
	fieldMessageContent     protowire.Number = 4
	fieldMessageAttachments protowire.Number = 5
	fieldMessageTimeSent    protowire.Number = 6

	// MessageAttachment oneof, and the fields shared by each variant
	fieldAttachmentImage protowire.Number = 1
	fieldAttachmentAudio protowire.Number = 2
	fieldAttachmentVideo protowire.Number = 3
	fieldMediaFormat     protowire.Number = 1
	fieldMediaData       protowire.Number = 2

	fieldPeerPubKeyExchangePubkey    protowire.Number = 1
	fieldPeerPubKeyExchangeNonce     protowire.Number = 2
	fieldPeerPubKeyExchangeSignature protowire.Number = 3

	fieldSendAvailablePeersPeers protowire.Number = 1
	fieldPeerFingerprint         protowire.Number = 1
	fieldPeerEndpoint            protowire.Number = 2
	fieldPeerPubkey              protowire.Number = 3
	fieldPeerLastUpdate          protowire.Number = 4

	// SignedPacket
	fieldSignedSignature  protowire.Number = 1
	fieldSignedSignedData protowire.Number = 2

	// SignedPacketInternal, message_type oneof starts at 3
	fieldInternalSource          protowire.Number = 1
	fieldInternalDestination     protowire.Number = 2
	fieldInternalKeyExchange     protowire.Number = 3
	fieldInternalEncryptedPacket protowire.Number = 4
	fieldInternalPubKeyRequest   protowire.Number = 5
	fieldInternalPubKeyReply     protowire.Number = 6

	fieldKeyExchangeDHPubkey protowire.Number = 1
	fieldKeyExchangeDRPubkey protowire.Number = 2

	fieldEncryptedContent protowire.Number = 1

	fieldPubKeyReplyOwner  protowire.Number = 1
	fieldPubKeyReplyPubkey protowire.Number = 2
)

// maxDepth bounds Gossip-in-Gossip nesting.
const maxDepth = 8

var marshalTime = proto.MarshalOptions{Deterministic: true}

// Encode serialises p.
func Encode(p Packet) ([]byte, error) {
	return appendPacket(nil, p, 0)
}

// Decode parses b into a Packet. Errors wrap ErrMalformed or
// ErrUnknownVariant.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	return decodePacket(b, 0)
}

// EncodeSignedData returns the canonical bytes covered by a SignedPacket
// signature.
func EncodeSignedData(in SignedPacketInternal) ([]byte, error) {
	return appendInternal(nil, in)
}

// ---- encoding ----

func appendPacket(b []byte, p Packet, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrMalformed)
	}
	var (
		num  protowire.Number
		body []byte
		err  error
	)
	switch v := p.(type) {
	case *Gossip:
		num = fieldPacketGossip
		body, err = appendGossip(nil, v, depth)
	case *Message:
		num = fieldPacketMessage
		body, err = appendMessage(nil, v)
	case *PeerPubKeyExchange:
		num = fieldPacketPeerPubKeyExchange
		body = appendBytesField(nil, fieldPeerPubKeyExchangePubkey, v.Pubkey)
		body = appendBytesField(body, fieldPeerPubKeyExchangeNonce, v.Nonce)
		body = appendBytesField(body, fieldPeerPubKeyExchangeSignature, v.Signature)
	case *SendAvailablePeers:
		num = fieldPacketSendAvailablePeers
		body, err = appendPeers(nil, v)
	case *RequestAvailablePeers:
		num = fieldPacketRequestAvailablePeers
	case nil:
		return nil, fmt.Errorf("%w: nil packet", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, p)
	}
	if err != nil {
		return nil, err
	}
	return appendEmbedded(b, num, body), nil
}

func appendGossip(b []byte, g *Gossip, depth int) ([]byte, error) {
	if (g.Content == nil) == (g.Signed == nil) {
		return nil, fmt.Errorf("%w: gossip needs exactly one of content or signed packet", ErrMalformed)
	}
	b = appendStringField(b, fieldGossipID, g.ID)
	b = appendVarintField(b, fieldGossipTTL, uint64(g.TTL))
	b = appendStringField(b, fieldGossipPeerName, g.PeerName)
	if g.Content != nil {
		inner, err := appendPacket(nil, g.Content, depth+1)
		if err != nil {
			return nil, err
		}
		b = appendEmbedded(b, fieldGossipContent, inner)
	}
	if g.Signed != nil {
		inner, err := appendSigned(nil, g.Signed)
		if err != nil {
			return nil, err
		}
		b = appendEmbedded(b, fieldGossipPacket, inner)
	}
	return b, nil
}

func appendMessage(b []byte, m *Message) ([]byte, error) {
	b = appendStringField(b, fieldMessageID, m.ID)
	b = appendStringField(b, fieldMessageChannelID, m.ChannelID)
	b = appendStringField(b, fieldMessageUsername, m.Username)
	b = appendStringField(b, fieldMessageContent, m.Content)
	for _, a := range m.Attachments {
		var num protowire.Number
		switch a.Kind {
		case AttachmentImage:
			num = fieldAttachmentImage
		case AttachmentAudio:
			num = fieldAttachmentAudio
		case AttachmentVideo:
			num = fieldAttachmentVideo
		default:
			return nil, fmt.Errorf("%w: attachment kind %d", ErrUnknownVariant, a.Kind)
		}
		media := appendVarintField(nil, fieldMediaFormat, uint64(a.Format))
		media = appendBytesField(media, fieldMediaData, a.Data)
		b = appendEmbedded(b, fieldMessageAttachments, appendEmbedded(nil, num, media))
	}
	return appendTimeField(b, fieldMessageTimeSent, m.TimeSent)
}

func appendPeers(b []byte, s *SendAvailablePeers) ([]byte, error) {
	for _, p := range s.Peers {
		rec := appendStringField(nil, fieldPeerFingerprint, p.Fingerprint)
		rec = appendStringField(rec, fieldPeerEndpoint, p.Endpoint)
		rec = appendBytesField(rec, fieldPeerPubkey, p.Pubkey)
		rec, err := appendTimeField(rec, fieldPeerLastUpdate, p.LastUpdate)
		if err != nil {
			return nil, err
		}
		b = appendEmbedded(b, fieldSendAvailablePeersPeers, rec)
	}
	return b, nil
}

func appendSigned(b []byte, s *SignedPacket) ([]byte, error) {
	inner, err := appendInternal(nil, s.SignedData)
	if err != nil {
		return nil, err
	}
	b = appendBytesField(b, fieldSignedSignature, s.Signature)
	return appendEmbedded(b, fieldSignedSignedData, inner), nil
}

func appendInternal(b []byte, in SignedPacketInternal) ([]byte, error) {
	b = appendStringField(b, fieldInternalSource, in.Source)
	b = appendStringField(b, fieldInternalDestination, in.Destination)
	switch v := in.MessageType.(type) {
	case *DRKeyExchange:
		body := appendBytesField(nil, fieldKeyExchangeDHPubkey, v.DHPubkey)
		body = appendBytesField(body, fieldKeyExchangeDRPubkey, v.DRPubkey)
		b = appendEmbedded(b, fieldInternalKeyExchange, body)
	case *EncryptedPacket:
		b = appendEmbedded(b, fieldInternalEncryptedPacket, appendBytesField(nil, fieldEncryptedContent, v.Content))
	case *PubKeyRequest:
		b = appendEmbedded(b, fieldInternalPubKeyRequest, nil)
	case *PubKeyReply:
		body := appendStringField(nil, fieldPubKeyReplyOwner, v.Owner)
		body = appendBytesField(body, fieldPubKeyReplyPubkey, v.Pubkey)
		b = appendEmbedded(b, fieldInternalPubKeyReply, body)
	case nil:
		return nil, fmt.Errorf("%w: signed packet without message type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, in.MessageType)
	}
	return b, nil
}

func appendEmbedded(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTimeField(b []byte, num protowire.Number, t time.Time) ([]byte, error) {
	if t.IsZero() {
		return b, nil
	}
	ts, err := marshalTime.Marshal(timestamppb.New(t))
	if err != nil {
		return nil, fmt.Errorf("wire: encode timestamp: %w", err)
	}
	return appendEmbedded(b, num, ts), nil
}

// ---- decoding ----

// fieldReader walks the fields of one protobuf message. The first error
// sticks and stops iteration.
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.parseErr(n)
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) parseErr(n int) {
	r.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *fieldReader) bytes() []byte {
	if r.typ != protowire.BytesType {
		r.fail(fmt.Errorf("%w: field %d has wire type %d, want bytes", ErrMalformed, r.num, r.typ))
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.parseErr(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) blob() []byte {
	v := r.bytes()
	if r.err != nil {
		return nil
	}
	return bytes.Clone(v)
}

func (r *fieldReader) string() string {
	v := r.bytes()
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(v) {
		r.fail(fmt.Errorf("%w: field %d is not valid UTF-8", ErrMalformed, r.num))
		return ""
	}
	return string(v)
}

func (r *fieldReader) varint() uint64 {
	if r.typ != protowire.VarintType {
		r.fail(fmt.Errorf("%w: field %d has wire type %d, want varint", ErrMalformed, r.num, r.typ))
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.parseErr(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) time() time.Time {
	body := r.bytes()
	if r.err != nil {
		return time.Time{}
	}
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(body, &ts); err != nil {
		r.fail(fmt.Errorf("%w: timestamp: %v", ErrMalformed, err))
		return time.Time{}
	}
	if err := ts.CheckValid(); err != nil {
		r.fail(fmt.Errorf("%w: timestamp: %v", ErrMalformed, err))
		return time.Time{}
	}
	return ts.AsTime()
}

func (r *fieldReader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.parseErr(n)
		return
	}
	r.b = r.b[n:]
}

func decodePacket(b []byte, depth int) (Packet, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrMalformed)
	}
	var (
		p       Packet
		unknown bool
	)
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldPacketGossip:
			body := r.bytes()
			if r.err == nil {
				g, err := decodeGossip(body, depth)
				r.fail(err)
				p = g
			}
		case fieldPacketMessage:
			body := r.bytes()
			if r.err == nil {
				m, err := decodeMessage(body)
				r.fail(err)
				p = m
			}
		case fieldPacketPeerPubKeyExchange:
			body := r.bytes()
			if r.err == nil {
				x, err := decodePubKeyExchange(body)
				r.fail(err)
				p = x
			}
		case fieldPacketSendAvailablePeers:
			body := r.bytes()
			if r.err == nil {
				s, err := decodePeers(body)
				r.fail(err)
				p = s
			}
		case fieldPacketRequestAvailablePeers:
			r.bytes()
			p = &RequestAvailablePeers{}
		default:
			unknown = true
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if p == nil {
		if unknown {
			return nil, fmt.Errorf("%w: packet", ErrUnknownVariant)
		}
		return nil, fmt.Errorf("%w: packet has no variant", ErrMalformed)
	}
	return p, nil
}

func decodeGossip(b []byte, depth int) (*Gossip, error) {
	g := &Gossip{}
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldGossipID:
			g.ID = r.string()
		case fieldGossipTTL:
			g.TTL = uint32(r.varint())
		case fieldGossipPeerName:
			g.PeerName = r.string()
		case fieldGossipContent:
			body := r.bytes()
			if r.err == nil {
				c, err := decodePacket(body, depth+1)
				r.fail(err)
				g.Content, g.Signed = c, nil
			}
		case fieldGossipPacket:
			body := r.bytes()
			if r.err == nil {
				s, err := decodeSigned(body)
				r.fail(err)
				g.Signed, g.Content = s, nil
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if g.Content == nil && g.Signed == nil {
		return nil, fmt.Errorf("%w: gossip without payload", ErrMalformed)
	}
	return g, nil
}

func decodeMessage(b []byte) (*Message, error) {
	m := &Message{}
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldMessageID:
			m.ID = r.string()
		case fieldMessageChannelID:
			m.ChannelID = r.string()
		case fieldMessageUsername:
			m.Username = r.string()
		case fieldMessageContent:
			m.Content = r.string()
		case fieldMessageAttachments:
			body := r.bytes()
			if r.err == nil {
				a, ok, err := decodeAttachment(body)
				r.fail(err)
				if ok {
					m.Attachments = append(m.Attachments, a)
				}
			}
		case fieldMessageTimeSent:
			m.TimeSent = r.time()
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// decodeAttachment reports ok=false for attachment variants this build does
// not know; the rest of the message is still usable.
func decodeAttachment(b []byte) (Attachment, bool, error) {
	var (
		a  Attachment
		ok bool
	)
	r := fieldReader{b: b}
	for r.next() {
		var kind AttachmentKind
		switch r.num {
		case fieldAttachmentImage:
			kind = AttachmentImage
		case fieldAttachmentAudio:
			kind = AttachmentAudio
		case fieldAttachmentVideo:
			kind = AttachmentVideo
		default:
			r.skip()
			continue
		}
		body := r.bytes()
		if r.err != nil {
			break
		}
		a = Attachment{Kind: kind}
		mr := fieldReader{b: body}
		for mr.next() {
			switch mr.num {
			case fieldMediaFormat:
				a.Format = uint32(mr.varint())
			case fieldMediaData:
				a.Data = mr.blob()
			default:
				mr.skip()
			}
		}
		r.fail(mr.err)
		if a.Format > maxFormat(kind) {
			a.Format = 0
		}
		ok = true
	}
	return a, ok && r.err == nil, r.err
}

func decodePubKeyExchange(b []byte) (*PeerPubKeyExchange, error) {
	x := &PeerPubKeyExchange{}
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldPeerPubKeyExchangePubkey:
			x.Pubkey = r.blob()
		case fieldPeerPubKeyExchangeNonce:
			x.Nonce = r.blob()
		case fieldPeerPubKeyExchangeSignature:
			x.Signature = r.blob()
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return x, nil
}

func decodePeers(b []byte) (*SendAvailablePeers, error) {
	s := &SendAvailablePeers{}
	r := fieldReader{b: b}
	for r.next() {
		if r.num != fieldSendAvailablePeersPeers {
			r.skip()
			continue
		}
		body := r.bytes()
		if r.err != nil {
			break
		}
		var rec PeerRecord
		pr := fieldReader{b: body}
		for pr.next() {
			switch pr.num {
			case fieldPeerFingerprint:
				rec.Fingerprint = pr.string()
			case fieldPeerEndpoint:
				rec.Endpoint = pr.string()
			case fieldPeerPubkey:
				rec.Pubkey = pr.blob()
			case fieldPeerLastUpdate:
				rec.LastUpdate = pr.time()
			default:
				pr.skip()
			}
		}
		r.fail(pr.err)
		s.Peers = append(s.Peers, rec)
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

func decodeSigned(b []byte) (*SignedPacket, error) {
	s := &SignedPacket{}
	var haveData bool
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldSignedSignature:
			s.Signature = r.blob()
		case fieldSignedSignedData:
			body := r.bytes()
			if r.err == nil {
				in, err := decodeInternal(body)
				r.fail(err)
				s.SignedData = in
				haveData = true
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if !haveData {
		return nil, fmt.Errorf("%w: signed packet without signed data", ErrMalformed)
	}
	return s, nil
}

// DecodeSignedData is the inverse of EncodeSignedData.
func DecodeSignedData(b []byte) (SignedPacketInternal, error) {
	return decodeInternal(b)
}

func decodeInternal(b []byte) (SignedPacketInternal, error) {
	var (
		in      SignedPacketInternal
		unknown bool
	)
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldInternalSource:
			in.Source = r.string()
		case fieldInternalDestination:
			in.Destination = r.string()
		case fieldInternalKeyExchange:
			body := r.bytes()
			kx := &DRKeyExchange{}
			kr := fieldReader{b: body}
			for kr.next() {
				switch kr.num {
				case fieldKeyExchangeDHPubkey:
					kx.DHPubkey = kr.blob()
				case fieldKeyExchangeDRPubkey:
					kx.DRPubkey = kr.blob()
				default:
					kr.skip()
				}
			}
			r.fail(kr.err)
			in.MessageType = kx
		case fieldInternalEncryptedPacket:
			body := r.bytes()
			ep := &EncryptedPacket{}
			er := fieldReader{b: body}
			for er.next() {
				if er.num == fieldEncryptedContent {
					ep.Content = er.blob()
				} else {
					er.skip()
				}
			}
			r.fail(er.err)
			in.MessageType = ep
		case fieldInternalPubKeyRequest:
			r.bytes()
			in.MessageType = &PubKeyRequest{}
		case fieldInternalPubKeyReply:
			body := r.bytes()
			rep := &PubKeyReply{}
			rr := fieldReader{b: body}
			for rr.next() {
				switch rr.num {
				case fieldPubKeyReplyOwner:
					rep.Owner = rr.string()
				case fieldPubKeyReplyPubkey:
					rep.Pubkey = rr.blob()
				default:
					rr.skip()
				}
			}
			r.fail(rr.err)
			in.MessageType = rep
		default:
			unknown = true
			r.skip()
		}
	}
	if r.err != nil {
		return SignedPacketInternal{}, r.err
	}
	if in.MessageType == nil {
		if unknown {
			return SignedPacketInternal{}, fmt.Errorf("%w: signed packet message type", ErrUnknownVariant)
		}
		return SignedPacketInternal{}, fmt.Errorf("%w: signed packet without message type", ErrMalformed)
	}
	return in, nil
}
