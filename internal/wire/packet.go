package wire

import "time"

// Packet is the outer envelope exchanged between peers. The set of
// implementations is closed: *Gossip, *Message, *PeerPubKeyExchange,
// *SendAvailablePeers and *RequestAvailablePeers.
type Packet interface {
	isPacket()
}

// Gossip carries either an application packet flooded through the mesh
// (Content) or a signed crypto envelope routed towards one destination
// (Signed). Exactly one of the two is set.
type Gossip struct {
	ID       string
	TTL      uint32
	PeerName string
	Content  Packet
	Signed   *SignedPacket
}

// Message is a chat message.
type Message struct {
	ID          string
	ChannelID   string
	Username    string
	Content     string
	Attachments []Attachment
	TimeSent    time.Time
}

// PeerPubKeyExchange opens a fresh connection. The first one a side sends
// carries its Pubkey and a random Nonce; the second carries only the
// Signature by which it proves it holds the key, over the remote's nonce.
type PeerPubKeyExchange struct {
	Pubkey    []byte
	Nonce     []byte
	Signature []byte
}

// SendAvailablePeers answers RequestAvailablePeers.
type SendAvailablePeers struct {
	Peers []PeerRecord
}

// RequestAvailablePeers asks the remote for its peer list.
type RequestAvailablePeers struct{}

// PeerRecord is one entry of a SendAvailablePeers reply.
type PeerRecord struct {
	Fingerprint string
	Endpoint    string
	Pubkey      []byte
	LastUpdate  time.Time
}

func (*Gossip) isPacket()                {}
func (*Message) isPacket()               {}
func (*PeerPubKeyExchange) isPacket()    {}
func (*SendAvailablePeers) isPacket()    {}
func (*RequestAvailablePeers) isPacket() {}

// Name returns a short label for p, used in logs and metrics.
func Name(p Packet) string {
	switch p.(type) {
	case *Gossip:
		return "gossip"
	case *Message:
		return "message"
	case *PeerPubKeyExchange:
		return "peer_pubkey_exchange"
	case *SendAvailablePeers:
		return "send_available_peers"
	case *RequestAvailablePeers:
		return "request_available_peers"
	default:
		return "unknown"
	}
}

// AttachmentKind selects the attachment variant.
type AttachmentKind uint8

const (
	AttachmentImage AttachmentKind = iota + 1
	AttachmentAudio
	AttachmentVideo
)

func (k AttachmentKind) String() string {
	switch k {
	case AttachmentImage:
		return "image"
	case AttachmentAudio:
		return "audio"
	case AttachmentVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Attachment is one media blob on a Message. Format is interpreted per Kind
// (ImageFormat, AudioFormat or VideoFormat); zero means unspecified.
type Attachment struct {
	Kind   AttachmentKind
	Format uint32
	Data   []byte
}

type ImageFormat uint32

const (
	ImageUnspecified ImageFormat = iota
	ImagePNG
	ImageJPEG
	ImageGIF
	ImageWEBP
)

type AudioFormat uint32

const (
	AudioUnspecified AudioFormat = iota
	AudioMP3
	AudioOGG
	AudioWAV
)

type VideoFormat uint32

const (
	VideoUnspecified VideoFormat = iota
	VideoMP4
	VideoWEBM
)

// maxFormat is the highest known format value per kind. Anything above it
// decodes as unspecified.
func maxFormat(k AttachmentKind) uint32 {
	switch k {
	case AttachmentImage:
		return uint32(ImageWEBP)
	case AttachmentAudio:
		return uint32(AudioWAV)
	case AttachmentVideo:
		return uint32(VideoWEBM)
	default:
		return 0
	}
}

// SignedPacket is the crypto envelope. Signature covers
// EncodeSignedData(SignedData).
type SignedPacket struct {
	Signature  []byte
	SignedData SignedPacketInternal
}

// SignedPacketInternal addresses a crypto message from Source to
// Destination, both identity fingerprints.
type SignedPacketInternal struct {
	Source      string
	Destination string
	MessageType CryptoMessage
}

// CryptoMessage is the closed union *DRKeyExchange, *EncryptedPacket,
// *PubKeyRequest and *PubKeyReply.
type CryptoMessage interface {
	isCryptoMessage()
}

// DRKeyExchange opens (empty DRPubkey) or answers (DRPubkey set) a handshake.
type DRKeyExchange struct {
	DHPubkey []byte
	DRPubkey []byte
}

// EncryptedPacket carries ratchet output: a 4-byte chain index followed by
// the AEAD ciphertext of an encoded Packet.
type EncryptedPacket struct {
	Content []byte
}

// PubKeyRequest asks Destination for its identity public key.
type PubKeyRequest struct{}

// PubKeyReply returns the public key of Owner.
type PubKeyReply struct {
	Owner  string
	Pubkey []byte
}

func (*DRKeyExchange) isCryptoMessage()   {}
func (*EncryptedPacket) isCryptoMessage() {}
func (*PubKeyRequest) isCryptoMessage()   {}
func (*PubKeyReply) isCryptoMessage()     {}
