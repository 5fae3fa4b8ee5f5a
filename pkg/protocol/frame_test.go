package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponseLayout(t *testing.T) {
	// encode(id=1, type=0x16, payload=[0xAA,0xBB]) must yield exactly:
	// 0C 00 00 00 | 01 00 00 00 | 16 00 00 00 | AA BB | 00 00
	resp := NewResponse(1, TypeChList, []byte{0xAA, 0xBB})

	want := []byte{
		0x0C, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x16, 0x00, 0x00, 0x00,
		0xAA, 0xBB,
		0x00, 0x00,
	}
	assert.Equal(t, want, resp.Data)
	assert.Equal(t, int32(12), resp.Size)
	assert.Equal(t, int32(1), resp.ID)
	assert.Equal(t, TypeChList, resp.Type)
	assert.Len(t, resp.Data, 4+int(resp.Size))
}

func TestNewResponseSizeInvariant(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty payload", nil},
		{"small payload", []byte("hello")},
		{"binary payload", []byte{0x00, 0xFF, 0x00}},
		{"large payload", make([]byte, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewResponse(-1, TypeError, tt.payload)
			assert.Equal(t, int32(HeaderSize+len(tt.payload)), resp.Size)
			assert.Len(t, resp.Data, 4+HeaderSize+len(tt.payload))
			// trailer marker
			assert.Equal(t, byte(0x00), resp.Data[len(resp.Data)-1])
			assert.Equal(t, byte(0x00), resp.Data[len(resp.Data)-2])
		})
	}
}

func TestParseFrameRoundTrip(t *testing.T) {
	resp := NewResponse(42, TypeChMessage, []byte("payload bytes"))

	frame, err := ParseFrame(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, int32(42), frame.ID)
	assert.Equal(t, TypeChMessage, frame.Type)
	assert.Equal(t, []byte("payload bytes"), frame.Payload)
}

func TestParseRequest(t *testing.T) {
	resp := NewResponse(7, TypeChJoin, []byte{0x01, 0x00, 0x00, 0x00})

	req, err := ParseRequest(resp.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int32(7), req.ID)
	assert.Equal(t, TypeChJoin, req.Type)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, req.Payload)
}

func TestParseRequestNegativeID(t *testing.T) {
	resp := NewResponse(-1, TypeSvrConnect, []byte("Connection needed"))

	req, err := ParseRequest(resp.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, int32(-1), req.ID)
}

func TestParseRequestRejectsShortFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"only id", []byte{0x01, 0x00, 0x00, 0x00}},
		{"nine bytes", make([]byte, 9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(tt.data)
			assert.ErrorIs(t, err, ErrFrameTooShort)
		})
	}
}

func TestParseRequestRejectsMissingTrailer(t *testing.T) {
	resp := NewResponse(1, TypeHeartbeat, nil)
	data := append([]byte(nil), resp.Data[4:]...)
	data[len(data)-1] = 0x01

	_, err := ParseRequest(data)
	assert.ErrorIs(t, err, ErrInvalidTrailer)
}

func TestReadRequestFromStream(t *testing.T) {
	resp := NewResponse(3, TypeChLeave, []byte{0x05, 0x00, 0x00, 0x00})
	buf := bytes.NewReader(resp.Data)

	req, err := ReadRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(3), req.ID)
	assert.Equal(t, TypeChLeave, req.Type)
}

func TestReadRequestConsumesUndersizedFrame(t *testing.T) {
	// an undersized frame followed by a valid one: the reader must stay in
	// sync so the second frame still parses
	var buf bytes.Buffer
	buf.Write([]byte{0x04, 0x00, 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF})
	valid := NewResponse(9, TypeHeartbeat, nil)
	buf.Write(valid.Data)

	_, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, ErrFrameTooShort)

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(9), req.ID)
	assert.Equal(t, TypeHeartbeat, req.Type)
}

func TestReadRequestRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadRequest(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRoundTrip(t *testing.T) {
	resp := NewResponse(11, TypeChUpdate, []byte{0x01, 0x00, 0x00, 0x00, 0x00})

	frame, err := ReadFrame(bytes.NewReader(resp.Data))
	require.NoError(t, err)
	assert.Equal(t, resp.ID, frame.ID)
	assert.Equal(t, resp.Type, frame.Type)
	assert.Equal(t, resp.Payload(), frame.Payload)
}

func TestEmptyResponseSentinel(t *testing.T) {
	resp := EmptyResponse()
	assert.True(t, resp.Empty())
	assert.Nil(t, resp.Data)

	real := NewResponse(1, TypeHeartbeat, nil)
	assert.False(t, real.Empty())
}

func TestResponsePayloadAccessor(t *testing.T) {
	resp := NewResponse(1, TypeChMessage, []byte("abc"))
	assert.Equal(t, []byte("abc"), resp.Payload())

	empty := NewResponse(1, TypeHeartbeat, nil)
	assert.Empty(t, empty.Payload())
}
