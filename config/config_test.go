package config

import (
	"testing"

	"github.com/meow-io/go-e2ee/trust"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig()
	require.Equal(50, c.OneTimeKeyTarget)
	require.Equal(uint64(100), c.OutboundMaxMessages)
	require.Equal(uint64(0), c.InboundMaxAgeMs)
	require.Equal(trust.CrossSignedTOFU, c.ShareKeysMinTrust)
	require.True(c.AllowUnverifiedSenders)
}

func TestOptions(t *testing.T) {
	require := require.New(t)
	c := NewConfig(
		WithOutboundRotation(2, 1000),
		WithShareKeysPolicy(trust.Verified, false),
		WithDecryptWaitTimeoutMs(10),
		WithLoggingPrefix("x"),
	)
	require.Equal(uint64(2), c.OutboundMaxMessages)
	require.Equal(uint64(1000), c.OutboundMaxAgeMs)
	require.Equal(trust.Verified, c.ShareKeysMinTrust)
	require.False(c.ShareKeysSameUserOnly)
	require.Equal(int64(10), c.DecryptWaitTimeoutMs)
	require.NotNil(c.Logger("config"))
}
