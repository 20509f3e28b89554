package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"LOCATION_UPDATE","coordinates":[3.38,6.52]}`))
	require.NoError(t, err)
	assert.Equal(t, KindLocationUpdate, in.Type)
	require.NotNil(t, in.Location)
	assert.Equal(t, Position{Longitude: 3.38, Latitude: 6.52}, *in.Location)

	in, err = DecodeInbound([]byte(`{"type":"LOCATION_UPDATE","coordinates":[3.38]}`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, KindLocationUpdate, in.Type)
	assert.Nil(t, in.Location)

	in, err = DecodeInbound([]byte(`{"type":"CHAT","messageText":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", in.Text)
	assert.Nil(t, in.Location)

	_, err = DecodeInbound([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEventWireShape(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	b, err := json.Marshal(MessageReceived("ping", at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MESSAGE_RECEIVED","text":"Server received: ping","timestamp":1700000000000}`, string(b))
	assert.Equal(t, "Server received: Message", MessageReceived("", at).Text)

	b, err = json.Marshal(AuthSuccess("u-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"AUTH_SUCCESS","userId":"u-1"}`, string(b))

	b, err = json.Marshal(PickupEvent(KindPickupCancelled, map[string]string{"id": "1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pickupCancelled","data":{"id":"1"}}`, string(b))
}
