package main

import (
	"errors"

	"go.uber.org/zap"
)

// dispatch routes one inbound frame. Malformed and unknown frames are logged
// and dropped; the connection stays open. errClosing is the only error
// returned.
func (c *connection) dispatch(message []byte) error {
	f, err := parseFrame(message)
	if err != nil {
		c.log.Warn("message handling error", zap.Error(err), zap.ByteString("frame", truncate(message, 256)))
		return nil
	}

	switch f.Event {
	case eventPing:
		c.touch()
		c.write(pongFrame())
	case eventPong:
		c.touch()
	case eventSubscribe:
		var req subscribeData
		if err := decodeData(f.Data, &req); err != nil || req.Channel == "" {
			c.log.Warn("invalid subscribe", zap.Error(err))
			return nil
		}
		return c.subscribe(req)
	case eventUnsubscribe:
		var req unsubscribeData
		if err := decodeData(f.Data, &req); err != nil {
			c.log.Warn("invalid unsubscribe", zap.Error(err))
			return nil
		}
		c.h.unsubscribe(c, req.Channel)
	default:
		c.log.Warn("unhandled event", zap.String("event", f.Event))
	}
	return nil
}

func (c *connection) subscribe(req subscribeData) error {
	err := c.h.subscribe(c, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errUnauthorized):
		subscriptionsRejected.WithLabelValues("unauthorized").Inc()
		c.log.Warn("unauthorized access", zap.String("channel", req.Channel))
		return c.reject("Unauthorized", codeUnauthorized)
	case errors.Is(err, errMissingUserID):
		subscriptionsRejected.WithLabelValues("missing_user_id").Inc()
		c.log.Warn("presence subscription without user_id", zap.String("channel", req.Channel))
		return c.reject("Missing user_id for presence channel", codeUnauthorized)
	default:
		c.log.Error("subscribe failed", zap.String("channel", req.Channel), zap.Error(err))
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
