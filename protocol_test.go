package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	f, err := parseFrame([]byte(`{"event":"pusher:subscribe","data":{"channel":"news"}}`))
	require.NoError(t, err)
	assert.Equal(t, eventSubscribe, f.Event)
	assert.JSONEq(t, `{"channel":"news"}`, string(f.Data))

	_, err = parseFrame([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, errMissingEvent)

	_, err = parseFrame([]byte(`{`))
	assert.Error(t, err)
}

func TestDecodeData(t *testing.T) {
	var req subscribeData
	require.NoError(t, decodeData(json.RawMessage(`{"channel":"a","auth":"k:s"}`), &req))
	assert.Equal(t, subscribeData{Channel: "a", Auth: "k:s"}, req)

	req = subscribeData{}
	require.NoError(t, decodeData(json.RawMessage(`"{\"channel\":\"b\"}"`), &req))
	assert.Equal(t, "b", req.Channel)

	assert.Error(t, decodeData(nil, &req))
	assert.Error(t, decodeData(json.RawMessage(`null`), &req))
	assert.Error(t, decodeData(json.RawMessage(`"not json"`), &req))
}

func TestOutboundFrames(t *testing.T) {
	assert.Equal(t, `{"event":"pusher:pong"}`, string(pongFrame()))
	assert.Equal(t, `{"event":"pusher:ping"}`, string(pingFrame()))
	assert.Equal(t,
		`{"event":"pusher:error","data":{"message":"Unauthorized","code":4009}}`,
		string(errorFrame("Unauthorized", codeUnauthorized)))
	assert.Equal(t,
		`{"event":"my-event","channel":"news","data":{"x":1}}`,
		string(eventFrame("my-event", "news", json.RawMessage(`{"x":1}`))))
	assert.Equal(t,
		`{"event":"pusher_internal:subscription_succeeded","channel":"news"}`,
		string(subscriptionSucceededFrame("news", nil)))
}

func TestConnectionEstablishedFrame(t *testing.T) {
	var f frame
	require.NoError(t, json.Unmarshal(connectionEstablishedFrame("1.2", 120), &f))
	assert.Equal(t, eventConnectionEstablished, f.Event)

	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s), "data must be a JSON encoded string")
	assert.JSONEq(t, `{"socket_id":"1.2","activity_timeout":120}`, s)
}

func TestMemberFrames(t *testing.T) {
	var f frame
	require.NoError(t, json.Unmarshal(memberAddedFrame("presence-room", "u1", json.RawMessage(`{"name":"Ann"}`)), &f))
	assert.Equal(t, eventMemberAdded, f.Event)
	assert.Equal(t, "presence-room", f.Channel)
	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s))
	assert.JSONEq(t, `{"user_id":"u1","user_info":{"name":"Ann"}}`, s)

	require.NoError(t, json.Unmarshal(memberRemovedFrame("presence-room", "u1"), &f))
	assert.Equal(t, eventMemberRemoved, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &s))
	assert.JSONEq(t, `{"user_id":"u1"}`, s)
}

func TestPresenceSucceededFrame(t *testing.T) {
	snap := presenceSnapshot{
		Count: 2,
		IDs:   []string{"u1", "u2"},
		Hash: map[string]json.RawMessage{
			"u1": json.RawMessage(`{}`),
			"u2": json.RawMessage(`{"name":"Bo"}`),
		},
	}
	var f frame
	require.NoError(t, json.Unmarshal(subscriptionSucceededFrame("presence-room", &snap), &f))
	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s))
	assert.JSONEq(t,
		`{"presence":{"count":2,"ids":["u1","u2"],"hash":{"u1":{},"u2":{"name":"Bo"}}}}`, s)
}
