package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedKeyAgreement(t *testing.T) {
	require := require.New(t)
	a, err := NewDHKeyPair()
	require.Nil(err)
	b, err := NewDHKeyPair()
	require.Nil(err)
	ab, err := SharedKey(b.Public, a.Private)
	require.Nil(err)
	ba, err := SharedKey(a.Public, b.Private)
	require.Nil(err)
	require.Equal(ab, ba)
	require.Equal(a.Public, DHPublic(a.Private))

	enc, err := EncryptWithKey(ab, []byte("hello"), []byte("ad"))
	require.Nil(err)
	dec, err := DecryptWithKey(ba, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)
	_, err = DecryptWithKey(ba, enc, []byte("other"))
	require.Error(err)
	_, err = EncryptWithKey([]byte("short"), nil, nil)
	require.Error(err)
}

func TestSignObject(t *testing.T) {
	require := require.New(t)
	kp, err := NewSigningKeyPair()
	require.Nil(err)
	obj := &struct {
		Name string `bencode:"n"`
	}{Name: "device"}
	sig, err := SignObject(kp.Private, "label", obj)
	require.Nil(err)
	ok, err := VerifyObject(kp.Public, sig, "label", obj)
	require.Nil(err)
	require.True(ok)
	ok, err = VerifyObject(kp.Public, sig, "other", obj)
	require.Nil(err)
	require.False(ok)
	obj.Name = "tampered"
	ok, err = VerifyObject(kp.Public, sig, "label", obj)
	require.Nil(err)
	require.False(ok)
}

func TestDeriveKeys(t *testing.T) {
	require := require.New(t)
	keys, err := DeriveKeys([]byte("secret"), nil, "info", 3)
	require.Nil(err)
	require.Len(keys, 3)
	require.False(bytes.Equal(keys[0], keys[1]))
	again, err := DeriveKeys([]byte("secret"), nil, "info", 3)
	require.Nil(err)
	require.Equal(keys, again)
}

func TestConcatIsUnambiguous(t *testing.T) {
	require := require.New(t)
	require.NotEqual(Concat([]byte("ab"), []byte("c")), Concat([]byte("a"), []byte("bc")))
}

func TestFingerprint(t *testing.T) {
	require := require.New(t)
	require.Equal("0102 0A0B FF", Fingerprint([]byte{1, 2, 10, 11, 255}))
}
