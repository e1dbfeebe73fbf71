package tx

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentOffsets_Unchunked(t *testing.T) {
	segs := segmentOffsets(100, 250, 0)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(100), segs[0].offset)
	assert.Equal(t, 250, segs[0].length)
}

func TestSegmentOffsets_ChunkedWithRemainder(t *testing.T) {
	segs := segmentOffsets(0, 250, 100)
	require.Len(t, segs, 3)
	assert.Equal(t, 100, segs[0].length)
	assert.Equal(t, 100, segs[1].length)
	assert.Equal(t, 50, segs[2].length)
	assert.Equal(t, int64(200), segs[2].offset)
}

func TestSegmentOffsets_ExactMultiple(t *testing.T) {
	segs := segmentOffsets(0, 300, 100)
	assert.Len(t, segs, 3)
}

func TestValidatorSource_RepeatsSequence(t *testing.T) {
	src := &ValidatorSource{Modulus: 4}
	buf, err := src.Next(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 0, 1, 2, 3}, buf)
}

func TestValidatorSource_RespectsLimit(t *testing.T) {
	src := &ValidatorSource{Modulus: 4, Limit: 5}
	buf, err := src.Next(8)
	require.NoError(t, err)
	assert.Len(t, buf, 5)

	_, err = src.Next(8)
	assert.Equal(t, io.EOF, err)
}

func TestDecodeSockExtendedErr_RejectsTruncated(t *testing.T) {
	_, err := decodeSockExtendedErr([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeDmabufIDCmsg_ProducesValidHeader(t *testing.T) {
	buf := encodeDmabufIDCmsg(7)
	assert.NotEmpty(t, buf)
}

func TestResolveSockaddr_RejectsBadAddr(t *testing.T) {
	_, _, err := resolveSockaddr("not-an-address")
	require.Error(t, err)
}
