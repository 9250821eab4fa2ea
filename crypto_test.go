package chop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorDeterminism(t *testing.T) {
	a := newKeyGeneratorFromPassphrase(passphrase, nil)
	b := newKeyGeneratorFromPassphrase(passphrase, nil)

	for i := 0; i < 4; i++ {
		ka, err := a.nextKey()
		require.NoError(t, err)
		kb, err := b.nextKey()
		require.NoError(t, err)
		assert.Equal(t, ka, kb, "key %d differs between identical generators", i)
	}
}

func TestKeyGeneratorDistinctKeys(t *testing.T) {
	kg := newKeyGeneratorFromPassphrase(passphrase, nil)

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		key, err := kg.nextKey()
		require.NoError(t, err)
		require.Len(t, key, keyLen)
		if prev, dup := seen[string(key)]; dup {
			t.Fatalf("keys %d and %d are identical", prev, i)
		}
		seen[string(key)] = i
	}
}

func TestKeyGeneratorSaltChangesKeys(t *testing.T) {
	plain := newKeyGeneratorFromPassphrase(passphrase, nil)
	salted := newKeyGeneratorFromPassphrase(passphrase, []byte("different salt"))

	ka, err := plain.nextKey()
	require.NoError(t, err)
	kb, err := salted.nextKey()
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb)
}

// TestKeySchedulePairing verifies the mirrored draw order: what one
// side seals under its send contexts, the other side's receive contexts
// must open, in both directions.
func TestKeySchedulePairing(t *testing.T) {
	client, err := newCircuitCrypto(ModeClient)
	require.NoError(t, err)
	server, err := newCircuitCrypto(ModeServer)
	require.NoError(t, err)

	check := func(t *testing.T, from, to *circuitCrypto) {
		hdr, err := newBlockHeader(12, 5, 3, OpDAT, from.sendHdrCrypt)
		require.NoError(t, err)
		block, err := encodeBlock(hdr, []byte("hello"), from.sendCrypt)
		require.NoError(t, err)

		got, err := decodeBlockHeader(block, to.recvHdrCrypt)
		require.NoError(t, err)
		require.Equal(t, uint32(12), got.seqno())
		data, err := decodeBlockBody(got, block[HeaderLen:], to.recvCrypt)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	}

	t.Run("client to server", func(t *testing.T) { check(t, client, server) })
	t.Run("server to client", func(t *testing.T) { check(t, server, client) })
}

// TestKeyScheduleDirectionality: a block sealed for one direction must
// not open as if it came from the other.
func TestKeyScheduleDirectionality(t *testing.T) {
	client, err := newCircuitCrypto(ModeClient)
	require.NoError(t, err)

	hdr, err := newBlockHeader(0, 4, 0, OpDAT, client.sendHdrCrypt)
	require.NoError(t, err)
	block, err := encodeBlock(hdr, []byte("data"), client.sendCrypt)
	require.NoError(t, err)

	// The client's own receive contexts use the opposite key pair.
	got, err := decodeBlockHeader(block, client.recvHdrCrypt)
	require.NoError(t, err)
	if got.valid(0) {
		_, err = decodeBlockBody(got, block[HeaderLen:], client.recvCrypt)
		assert.Error(t, err)
	}
}
