package trust

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromInt(t *testing.T) {
	require := require.New(t)
	require.Equal(Verified, FromInt(300))
	require.Equal(Blacklisted, FromInt(-100))
	require.Equal(Unknown, FromInt(42))
	require.Equal("unknown(42)", State(42).String())
}

func TestSatisfies(t *testing.T) {
	require := require.New(t)
	require.True(Verified.Satisfies(CrossSignedTOFU))
	require.True(Unset.Satisfies(Unset))
	require.False(Unset.Satisfies(Verified))
	require.False(Blacklisted.Satisfies(Blacklisted))
	require.False(Unknown.Satisfies(Blacklisted))
	require.False(State(42).Satisfies(Unset))
}

func TestParse(t *testing.T) {
	require := require.New(t)
	s, err := Parse("cross-signed-tofu")
	require.Nil(err)
	require.Equal(CrossSignedTOFU, s)
	_, err = Parse("nope")
	require.Error(err)
}
