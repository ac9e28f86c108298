package machine

import (
	"context"
)

// DeviceKeys is the self-signed description of a device as published to the server.
type DeviceKeys struct {
	UserID      string `bencode:"u"`
	DeviceID    string `bencode:"d"`
	IdentityKey []byte `bencode:"i"`
	SigningKey  []byte `bencode:"s"`
	Name        string `bencode:"n"`
	// Signature is made by SigningKey over every other field.
	Signature []byte `bencode:"-"`
	// CrossSignature, when present, is made by the user's self-signing key over the same fields.
	CrossSignature []byte `bencode:"-"`
}

type signedDeviceKeys struct {
	UserID      string `bencode:"u"`
	DeviceID    string `bencode:"d"`
	IdentityKey []byte `bencode:"i"`
	SigningKey  []byte `bencode:"s"`
	Name        string `bencode:"n"`
}

func (dk *DeviceKeys) signedPart() *signedDeviceKeys {
	return &signedDeviceKeys{UserID: dk.UserID, DeviceID: dk.DeviceID, IdentityKey: dk.IdentityKey, SigningKey: dk.SigningKey, Name: dk.Name}
}

type SignedOneTimeKey struct {
	KeyID     uint64 `bencode:"id"`
	Key       []byte `bencode:"k"`
	Fallback  bool   `bencode:"f"`
	Signature []byte `bencode:"-"`
}

type signedOneTimeKey struct {
	KeyID    uint64 `bencode:"id"`
	Key      []byte `bencode:"k"`
	Fallback bool   `bencode:"f"`
}

func (k *SignedOneTimeKey) signedPart() *signedOneTimeKey {
	return &signedOneTimeKey{KeyID: k.KeyID, Key: k.Key, Fallback: k.Fallback}
}

// KeyUpload carries the keys not yet known to the server. Device is nil once the device keys
// have been accepted.
type KeyUpload struct {
	Device      *DeviceKeys
	OneTimeKeys []*SignedOneTimeKey
	FallbackKey *SignedOneTimeKey
}

// UserKeys is the server's answer for one user of a device list query.
type UserKeys struct {
	UserID  string
	Devices []*DeviceKeys
	// MasterKey and SelfSigningKey are nil for users without cross-signing.
	MasterKey            []byte
	SelfSigningKey       []byte
	SelfSigningSignature []byte
}

type crossSigningBinding struct {
	UserID string `bencode:"u"`
	Usage  string `bencode:"s"`
	Key    []byte `bencode:"k"`
}

type ToDeviceMessage struct {
	// Sender is filled in by the server on delivery.
	Sender  string
	Type    string
	Content []byte
}

// Transport is how the machine reaches the server. Implementations should return *TransportError
// so that network and protocol failures can be told apart.
type Transport interface {
	// ClaimOneTimeKey returns nil and no error when the device has no key left to claim.
	ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (*SignedOneTimeKey, error)
	UploadKeys(ctx context.Context, upload *KeyUpload) error
	SendToDevice(ctx context.Context, userID, deviceID string, msg *ToDeviceMessage) error
	// FetchDeviceKeys may omit users it has no answer for.
	FetchDeviceKeys(ctx context.Context, userIDs []string) (map[string]*UserKeys, error)
}
