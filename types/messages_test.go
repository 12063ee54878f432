package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncoding(t *testing.T) {
	key, err := GenNodeKey()
	require.NoError(t, err)
	entry, err := MakeSignedEntry(key, 7, []byte("entry"))
	require.NoError(t, err)

	genesis := NewGenesisBlock("cell")
	genesisBz, err := genesis.Bytes()
	require.NoError(t, err)

	testCases := []struct {
		name string
		msg  Message
	}{
		{"headers request", &SyncRequest{FromOffset: 10, ToOffset: 0, RequestedDetails: RequestedHeaders}},
		{"blocks request", &SyncRequest{FromOffset: 10, ToOffset: 300, RequestedDetails: RequestedBlocks}},
		{"headers response", &SyncResponse{
			FromOffset: 0,
			ToOffset:   0,
			Details:    RequestedHeaders,
			Headers:    []BlockMetadata{NewBlockMetadata(genesis)},
		}},
		{"blocks response", &SyncResponse{Details: RequestedBlocks, Blocks: [][]byte{genesisBz}}},
		{"pending operations", &PendingOperations{Operations: []*Operation{entry}}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			env := Envelope{From: key.ID, To: "peer", Message: tc.msg}
			bz, err := env.Encode()
			require.NoError(t, err)

			decoded, err := DecodeEnvelope(bz)
			require.NoError(t, err)
			if diff := cmp.Diff(env, decoded); diff != "" {
				t.Fatalf("envelope differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	_, err := DecodeEnvelope(nil)
	require.Error(t, err)

	enc := newEncoder()
	enc.string("a")
	enc.string("b")
	enc.uvarint(99)
	bz, err := enc.result()
	require.NoError(t, err)
	_, err = DecodeEnvelope(bz)
	require.Error(t, err)

	_, err = Envelope{From: "a"}.Encode()
	require.Error(t, err)
}
