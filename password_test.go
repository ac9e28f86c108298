package e2ee

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsStableForSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Len(key1, 32)

	other, err := newKey("other password", tmp, "salt")
	require.Nil(err)
	require.NotEqual(key1, other)
}

func TestKeyDependsOnSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}
