package machine

import (
	"fmt"

	"github.com/meow-io/go-e2ee/bencode"
	"github.com/meow-io/go-e2ee/ratchet"
)

// to-device message types
const (
	TypeEncrypted        = "m.e2ee.encrypted"
	TypeKeyRequest       = "m.e2ee.key_request"
	TypeKeyRequestCancel = "m.e2ee.key_request_cancel"
	TypeKeyWithheld      = "m.e2ee.key_withheld"

	// only ever carried inside TypeEncrypted
	TypeRoomKey           = "m.e2ee.room_key"
	TypeForwardedRoomKey  = "m.e2ee.forwarded_room_key"
	TypeCrossSigningTrust = "m.e2ee.cross_signing_trust"
	TypeDummy             = "m.e2ee.dummy"
)

type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

// PairwiseEnvelope is the content of a TypeEncrypted to-device message.
type PairwiseEnvelope struct {
	SenderKey []byte                `bencode:"k"`
	SessionID []byte                `bencode:"s"`
	Index     uint64                `bencode:"i"`
	PreKey    *ratchet.PreKeyHeader `bencode:"p,optional"`
	Message   ratchet.Message       `bencode:"m"`
}

// Payload is the plaintext of a pairwise message. The recipient fields bind it to one device so it
// cannot be replayed to another.
type Payload struct {
	Type             string `bencode:"t"`
	Sender           string `bencode:"s"`
	SenderDevice     string `bencode:"d"`
	SenderSigningKey []byte `bencode:"sk"`
	Recipient        string `bencode:"r"`
	RecipientKey     []byte `bencode:"rk"`
	Content          []byte `bencode:"c"`
}

type RoomKey struct {
	RoomID      string                  `bencode:"r"`
	Key         ratchet.GroupSessionKey `bencode:"k"`
	MaxMessages uint64                  `bencode:"mm"`
	MaxAgeMs    uint64                  `bencode:"ma"`
}

type ForwardedRoomKey struct {
	RoomID           string                  `bencode:"r"`
	SenderKey        []byte                  `bencode:"sk"`
	SenderSigningKey []byte                  `bencode:"ss"`
	Key              ratchet.GroupSessionKey `bencode:"k"`
	ForwardingChain  [][]byte                `bencode:"fc"`
}

type KeyRequest struct {
	RequestID        []byte `bencode:"id"`
	RoomID           string `bencode:"r"`
	SenderKey        []byte `bencode:"sk"`
	SessionID        []byte `bencode:"s"`
	RequestingDevice string `bencode:"d"`
}

type KeyRequestCancel struct {
	RequestID        []byte `bencode:"id"`
	RequestingDevice string `bencode:"d"`
}

type KeyWithheld struct {
	Code      string `bencode:"c"`
	Reason    string `bencode:"m"`
	RoomID    string `bencode:"r"`
	SenderKey []byte `bencode:"sk"`
	SessionID []byte `bencode:"s"`
	// FromDevice and FromKey identify the refusing device when sent in plaintext.
	FromDevice string `bencode:"fd"`
	FromKey    []byte `bencode:"fk"`
}

type CrossSigningTrust struct {
	UserID    string `bencode:"u"`
	MasterKey []byte `bencode:"k"`
}

type Dummy struct {
	Nonce []byte `bencode:"n"`
}

// GroupEnvelope is the content of an encrypted room event.
type GroupEnvelope struct {
	SenderKey    []byte               `bencode:"k"`
	SenderDevice string               `bencode:"d"`
	Message      ratchet.GroupMessage `bencode:"m"`
}

func encodeWire(o interface{}) ([]byte, error) {
	b, err := bencode.Serialize(o)
	if err != nil {
		return nil, fmt.Errorf("machine: error encoding %T: %w", o, err)
	}
	return b, nil
}

func decodeWire(b []byte, o interface{}) error {
	if err := bencode.Deserialize(b, o); err != nil {
		return fmt.Errorf("machine: error decoding %T: %w", o, err)
	}
	return nil
}
