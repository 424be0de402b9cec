package metadb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodec_SmallPayloadNotCompressed(t *testing.T) {
	c := newTestCodec(t)
	data := []byte(`{"key":"small"}`)

	record, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, encodingIdentity, record[0])

	got, err := c.Decode(record)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCodec_LargePayloadCompressed(t *testing.T) {
	c := newTestCodec(t)
	data := bytes.Repeat([]byte("issue-cache "), 1000)

	record, err := c.Encode(data)
	require.NoError(t, err)
	require.Equal(t, encodingZstd, record[0])
	require.Less(t, len(record), len(data))

	got, err := c.Decode(record)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCodec_Errors(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = c.Decode(nil)
	require.Error(t, err)

	_, err = c.Decode([]byte{9, 1, 2})
	require.Error(t, err)

	_, err = c.Decode([]byte{encodingZstd, 1, 2, 3})
	require.Error(t, err)
}
