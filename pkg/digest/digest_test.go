package digest_test

import (
	"bytes"
	"testing"

	"github.com/forgebuild/forge/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestFingerprintHexRoundTrip(t *testing.T) {
	d := digest.OfBytes([]byte("Hello"))
	require.Equal(t, "185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969", d.Hex())
	require.Len(t, d.Hex(), 64)

	fingerprint, err := digest.FingerprintFromHex(d.Hex())
	require.NoError(t, err)
	require.Equal(t, d.Fingerprint(), fingerprint)
}

func TestFingerprintFromHexFailure(t *testing.T) {
	_, err := digest.FingerprintFromHex("cafebabe")
	require.Error(t, err)

	_, err = digest.FingerprintFromHex("z85f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969")
	require.Error(t, err)
}

func TestEmptyDigest(t *testing.T) {
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", digest.Empty.Hex())
	require.Equal(t, int64(0), digest.Empty.SizeBytes())
	require.True(t, digest.Empty.IsEmpty())
	require.False(t, digest.OfBytes([]byte("x")).IsEmpty())
}

func TestProtoRoundTrip(t *testing.T) {
	d := digest.OfBytes([]byte("Hello"))
	d2, err := digest.FromProto(d.ToProto())
	require.NoError(t, err)
	require.Equal(t, d, d2)

	// A nil message denotes the empty blob.
	d3, err := digest.FromProto(nil)
	require.NoError(t, err)
	require.Equal(t, digest.Empty, d3)
}

func TestHashingWriter(t *testing.T) {
	var sink bytes.Buffer
	hw := digest.NewHashingWriter(&sink)
	_, err := hw.Write([]byte("Hel"))
	require.NoError(t, err)
	_, err = hw.Write([]byte("lo"))
	require.NoError(t, err)

	require.Equal(t, digest.OfBytes([]byte("Hello")), hw.Sum())
	require.Equal(t, int64(5), hw.SizeBytes())
	require.Equal(t, []byte("Hello"), sink.Bytes())
}
