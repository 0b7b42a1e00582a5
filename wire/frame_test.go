package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		New("cheese", 1.0, 2.0, 3.0, "cool"),
		New("x", "hi"),
		New("empty-payload"),
		New("nested", map[string]interface{}{"a": 1.0}, []interface{}{1.0, 2.0}),
	}

	for _, m := range cases {
		frame, err := Encode(m)
		require.NoError(t, err)

		decoded, leftover, err := DecodeStream(frame)
		require.NoError(t, err)
		assert.Empty(t, leftover)
		require.Len(t, decoded, 1)
		assert.Equal(t, m.Channel(), decoded[0].Channel())
		assert.Equal(t, m.Args(), decoded[0].Args())
	}
}

func TestEncodeRejectsMissingChannel(t *testing.T) {
	_, err := Encode(Message{})
	require.Error(t, err)
	var encErr *EncodeError
	assert.ErrorAs(t, err, &encErr)
}

func TestEncodeRejectsNonStringChannel(t *testing.T) {
	_, err := Encode(Message{42, "payload"})
	require.Error(t, err)
}

func TestEncodeRejectsEmptyChannelName(t *testing.T) {
	_, err := Encode(New(""))
	require.Error(t, err)
}

func TestDecodeStreamHandlesPartialFrame(t *testing.T) {
	frame, err := Encode(New("a", 1))
	require.NoError(t, err)

	partial := frame[:len(frame)-1]
	msgs, leftover, err := DecodeStream(partial)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, partial, leftover)
}

func TestDecodeStreamReadsMultipleFrames(t *testing.T) {
	f1, _ := Encode(New("a", 1))
	f2, _ := Encode(New("b", 2))
	buf := append(append([]byte{}, f1...), f2...)
	buf = append(buf, 0x01) // trailing partial byte

	msgs, leftover, err := DecodeStream(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Channel())
	assert.Equal(t, "b", msgs[1].Channel())
	assert.Equal(t, []byte{0x01}, leftover)
}

func TestDecodeStreamRejectsMalformedJSON(t *testing.T) {
	body := []byte("not json")
	lenBuf := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	buf := append(lenBuf, body...)

	_, _, err := DecodeStream(buf)
	require.Error(t, err)
	var frameErr *FrameError
	assert.ErrorAs(t, err, &frameErr)
}

func TestDecodeStreamRejectsNonArrayRoot(t *testing.T) {
	body := []byte(`{"not":"an array"}`)
	lenBuf := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	buf := append(lenBuf, body...)

	_, _, err := DecodeStream(buf)
	require.Error(t, err)
}

func TestDecodeStreamRejectsOversizedLength(t *testing.T) {
	lenBuf := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(lenBuf, MaxFrameSize+1)

	_, _, err := DecodeStream(lenBuf)
	require.Error(t, err)
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := New("potato", 1234)
	require.NoError(t, WriteFrame(&buf, m))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "potato", got.Channel())
	assert.Equal(t, []interface{}{1234.0}, got.Args())
}

func TestReadFrameReturnsEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestMessageChannelAndArgsOnMalformed(t *testing.T) {
	var m Message
	assert.Equal(t, "", m.Channel())
	assert.Nil(t, m.Args())
}
