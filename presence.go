package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
)

var errMissingUserID = errors.New("missing user_id for presence channel")

var emptyUserInfo = json.RawMessage(`{}`)

// member is one user on a presence channel. It exists only while it holds
// at least one socket.
type member struct {
	userID   string
	userInfo json.RawMessage
	sockets  map[string]struct{}
}

type members map[string]*member

// parseChannelData extracts user_id and user_info from a presence
// subscription. channel_data may be an object or a string holding one;
// user_id may be a string or a number.
func parseChannelData(raw json.RawMessage) (string, json.RawMessage, error) {
	var data struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}
	if err := decodeData(raw, &data); err != nil {
		return "", nil, errMissingUserID
	}

	var userID string
	id := bytes.TrimSpace(data.UserID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
	case id[0] == '"':
		if err := json.Unmarshal(id, &userID); err != nil {
			return "", nil, errMissingUserID
		}
	case id[0] == '-' || (id[0] >= '0' && id[0] <= '9'):
		userID = string(id)
	}
	if userID == "" {
		return "", nil, errMissingUserID
	}

	info := bytes.TrimSpace(data.UserInfo)
	if len(info) == 0 || bytes.Equal(info, []byte("null")) {
		info = emptyUserInfo
	}
	return userID, info, nil
}

// join adds the socket under userID and reports whether the user is new to
// the channel. A socket moving to another user id leaves its old member
// first.
func (ch *channel) join(conn *connection, userID string, userInfo json.RawMessage) bool {
	if prev, ok := ch.sockets[conn.socketID]; ok {
		if prev == userID {
			return false
		}
		if gone, left := ch.leave(conn.socketID); left {
			ch.publish(memberRemovedFrame(ch.name, gone), conn.socketID)
		}
	}

	ch.connections[conn.socketID] = conn
	ch.sockets[conn.socketID] = userID
	if m, ok := ch.members[userID]; ok {
		m.sockets[conn.socketID] = struct{}{}
		return false
	}
	ch.members[userID] = &member{
		userID:   userID,
		userInfo: userInfo,
		sockets:  map[string]struct{}{conn.socketID: {}},
	}
	incr("members", 1)
	return true
}

// leave drops socketID from its member. When that was the member's last
// socket the member is deleted and its user id returned with true.
func (ch *channel) leave(socketID string) (string, bool) {
	userID, ok := ch.sockets[socketID]
	if !ok {
		return "", false
	}
	delete(ch.sockets, socketID)

	m, ok := ch.members[userID]
	if !ok {
		return "", false
	}
	delete(m.sockets, socketID)
	if len(m.sockets) > 0 {
		return userID, false
	}
	delete(ch.members, userID)
	decr("members", 1)
	return userID, true
}

func (ch *channel) snapshot() presenceSnapshot {
	s := presenceSnapshot{
		Count: len(ch.members),
		IDs:   make([]string, 0, len(ch.members)),
		Hash:  make(map[string]json.RawMessage, len(ch.members)),
	}
	for id, m := range ch.members {
		s.IDs = append(s.IDs, id)
		s.Hash[id] = m.userInfo
	}
	slices.Sort(s.IDs)
	return s
}
