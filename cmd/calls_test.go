package cmd

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCall(t *testing.T) {
	call, err := parseCall("0x70997970C51812dc3A010C7d01b50e0d17dc79C8,0.5,0xa9059cbb")
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", call.Target)
	assert.Equal(t, "500000000000000000", call.Value.String())
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, call.Data)

	call, err = parseCall("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	require.NoError(t, err)
	assert.Nil(t, call.Value)
	assert.Nil(t, call.Data)

	call, err = parseCall("0x70997970C51812dc3A010C7d01b50e0d17dc79C8,,0x")
	require.NoError(t, err)
	assert.Nil(t, call.Value)
	assert.Empty(t, call.Data)
}

func TestParseCallErrors(t *testing.T) {
	for _, s := range []string{
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8,abc",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8,-1",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8,0.0000000000000000001",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8,1,zz",
		"a,b,c,d",
	} {
		_, err := parseCall(s)
		assert.Error(t, err, s)
	}
}

func TestParseEther(t *testing.T) {
	wei, err := parseEther("1")
	require.NoError(t, err)
	assert.Equal(t, 0, wei.Cmp(big.NewInt(1e18)))

	wei, err = parseEther("0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wei.Int64())
}

func TestParseSalt(t *testing.T) {
	salt, err := parseSalt("")
	require.NoError(t, err)
	assert.Nil(t, salt)

	salt, err = parseSalt("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), salt.Int64())

	_, err = parseSalt("-1")
	assert.Error(t, err)
}
