package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDFromBytes(t *testing.T) {
	require := require.New(t)
	id := NewID()
	back, err := IDFromBytes(id[:])
	require.Nil(err)
	require.Equal(id, back)
	require.Len(id.String(), 32)

	_, err = IDFromBytes([]byte{1, 2})
	require.ErrorIs(err, ErrInvalidID)
}

func TestIDsAreRandom(t *testing.T) {
	require.NotEqual(t, NewID(), NewID())
}
