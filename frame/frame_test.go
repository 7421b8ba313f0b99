package frame

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStampsType(t *testing.T) {
	data, err := Encode(&Request{ID: 7, Method: "GET", URL: "/rest/items"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"request"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	req, ok := decoded.(*Request)
	require.True(t, ok)
	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/rest/items", req.URL)
	assert.False(t, req.Upgrade)
}

func TestRoundTripAllTypes(t *testing.T) {
	frames := []Frame{
		&Request{ID: 1, Method: "POST", URL: "/rest/items/Light", Headers: http.Header{"Content-Type": {"text/plain"}}, Body: []byte("ON"), Upgrade: false},
		&Request{ID: 2, Method: "GET", URL: "/ws", Upgrade: true},
		&RequestBody{ID: 2, Body: []byte{0x00, 0x01, 0xff}},
		&ResponseHeader{ID: 1, Status: 200, Headers: http.Header{"Content-Type": {"application/json"}}},
		&ResponseBody{ID: 1, Body: []byte(`{"state":"ON"}`)},
		&ResponseFinished{ID: 1},
		&Cancel{ID: 1},
		&Notification{UserID: "user-1", Payload: []byte(`{"message":"hi"}`)},
		&ItemUpdate{Name: "Temperature", Value: "21.5"},
		&Command{Name: "Light", Value: "OFF"},
		&WebSocketClose{ID: 2},
	}
	for _, original := range frames {
		data, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err, "frame %s", original.Kind())
		assert.Equal(t, original.Kind(), decoded.Kind())
		assert.Equal(t, original, decoded)
	}
}

func TestBodyBytesSurviveBase64(t *testing.T) {
	body := make([]byte, 256)
	for i := range body {
		body[i] = byte(i)
	}
	data, err := Encode(&ResponseBody{ID: 3, Body: body})
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, body, decoded.(*ResponseBody).Body)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus","id":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestDecodeWrongFieldType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"responseHeader","id":"not-a-number"}`))
	assert.Error(t, err)
}
