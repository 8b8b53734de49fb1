package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventError                 = "pusher:error"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventMemberAdded           = "pusher_internal:member_added"
	eventMemberRemoved         = "pusher_internal:member_removed"
)

// codeUnauthorized is sent for both a failed auth check and a presence
// subscription without a user_id.
const codeUnauthorized = 4009

var errMissingEvent = errors.New("frame has no event")

// frame is the envelope of every message on the socket, in both directions.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth,omitempty"`
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

type unsubscribeData struct {
	Channel string `json:"channel"`
}

type connectionData struct {
	SocketID        string  `json:"socket_id"`
	ActivityTimeout float64 `json:"activity_timeout"`
}

type errorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type memberData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type presenceData struct {
	Presence presenceSnapshot `json:"presence"`
}

type presenceSnapshot struct {
	Count int                        `json:"count"`
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
}

// publishRequest is the body of an HTTP publish call.
type publishRequest struct {
	Name    string          `json:"name"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func parseFrame(msg []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return frame{}, errMissingEvent
	}
	return f, nil
}

// decodeData unmarshals raw into v. Clients may send data either as an
// object or as a JSON-encoded string holding the object.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("missing data")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}

// stringData encodes v as JSON and wraps the result in a JSON string, the
// way Pusher sends data for internal events.
func stringData(v any) json.RawMessage {
	return mustMarshal(string(mustMarshal(v)))
}

func connectionEstablishedFrame(socketID string, activityTimeout float64) []byte {
	return mustMarshal(frame{
		Event: eventConnectionEstablished,
		Data:  stringData(connectionData{SocketID: socketID, ActivityTimeout: activityTimeout}),
	})
}

func pingFrame() []byte {
	return mustMarshal(frame{Event: eventPing})
}

func pongFrame() []byte {
	return mustMarshal(frame{Event: eventPong})
}

func errorFrame(message string, code int) []byte {
	return mustMarshal(frame{
		Event: eventError,
		Data:  mustMarshal(errorData{Message: message, Code: code}),
	})
}

func subscriptionSucceededFrame(channel string, snapshot *presenceSnapshot) []byte {
	f := frame{Event: eventSubscriptionSucceeded, Channel: channel}
	if snapshot != nil {
		f.Data = stringData(presenceData{Presence: *snapshot})
	}
	return mustMarshal(f)
}

func memberAddedFrame(channel, userID string, userInfo json.RawMessage) []byte {
	return mustMarshal(frame{
		Event:   eventMemberAdded,
		Channel: channel,
		Data:    stringData(memberData{UserID: userID, UserInfo: userInfo}),
	})
}

func memberRemovedFrame(channel, userID string) []byte {
	return mustMarshal(frame{
		Event:   eventMemberRemoved,
		Channel: channel,
		Data:    stringData(memberData{UserID: userID}),
	})
}

func eventFrame(name, channel string, data json.RawMessage) []byte {
	return mustMarshal(frame{Event: name, Channel: channel, Data: data})
}
