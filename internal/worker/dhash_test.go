package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHash_IdenticalImagesMatch(t *testing.T) {
	a := encodeSolidJPEG(32, 32, 0x80)
	b := encodeSolidJPEG(32, 32, 0x80)

	ha, err := dHash(a)
	require.NoError(t, err)
	hb, err := dHash(b)
	require.NoError(t, err)

	require.Equal(t, 0, hammingDistance(ha, hb))
	require.Equal(t, 1.0, similarity(hammingDistance(ha, hb)))
}

func TestDHash_DifferentImagesDiverge(t *testing.T) {
	a := encodeSolidJPEG(32, 32, 0x10)
	b := encodeGradientJPEG(32, 32)

	ha, err := dHash(a)
	require.NoError(t, err)
	hb, err := dHash(b)
	require.NoError(t, err)

	require.Greater(t, hammingDistance(ha, hb), 0)
}

func TestDHash_InvalidBytesErrors(t *testing.T) {
	_, err := dHash([]byte("not an image"))
	require.Error(t, err)
}
