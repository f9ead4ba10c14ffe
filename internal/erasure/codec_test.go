package erasure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collective-net/peernet/internal/apperr"
)

func makeShards(k, size int) [][]byte {
	shards := make([][]byte, k)
	for i := range shards {
		shards[i] = bytes.Repeat([]byte{byte(i + 1)}, size)
	}
	return shards
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := makeShards(4, 32)
	parity, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Len(t, parity, 2)

	all := append(append([][]byte{}, data...), parity...)
	all[0] = nil
	all[5] = nil

	recovered, err := codec.Decode(all)
	require.NoError(t, err)
	assert.Equal(t, data, recovered)
}

func TestDecodeFailsBelowThreshold(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	data := makeShards(4, 16)
	parity, err := codec.Encode(data)
	require.NoError(t, err)

	all := append(append([][]byte{}, data...), parity...)
	all[0], all[1], all[2] = nil, nil, nil // only 3 of 6 present, need 4

	_, err = codec.Decode(all)
	assert.ErrorIs(t, err, apperr.ErrUnrecoverable)
}

func TestZeroParityEncodeProducesNothing(t *testing.T) {
	codec, err := New(3, 0)
	require.NoError(t, err)

	data := makeShards(3, 16)
	parity, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Nil(t, parity)

	all := append([][]byte{}, data...)
	all[1] = nil
	_, err = codec.Decode(all)
	assert.ErrorIs(t, err, apperr.ErrUnrecoverable)

	recovered, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, data, recovered)
}

func TestCanReconstruct(t *testing.T) {
	codec, err := New(4, 2)
	require.NoError(t, err)

	assert.True(t, codec.CanReconstruct(map[int]bool{0: true, 1: true, 2: true, 3: true}))
	assert.True(t, codec.CanReconstruct(map[int]bool{0: true, 2: true, 4: true, 5: true}))
	assert.False(t, codec.CanReconstruct(map[int]bool{0: true, 2: true, 4: true}))
}
