package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/apierr"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"github.com/apix-platform/realtime-fabric/internal/wire"
	"github.com/gorilla/websocket"
)

// subscribePayload is the body of a "subscribe" InboundFrame.
type subscribePayload struct {
	ChannelType    router.ChannelType `json:"channelType"`
	Filters        map[string]string  `json:"filters,omitempty"`
	Acknowledgment bool               `json:"acknowledgment,omitempty"`
}

func (g *Gateway) handleSubscribe(ctx context.Context, sess *session, frame wire.InboundFrame) error {
	if frame.Channel == "" {
		return apierr.New(apierr.Parse, "subscribe frame missing channel")
	}
	var body subscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &body); err != nil {
			return apierr.Wrap(apierr.Parse, "decode subscribe payload", err)
		}
	}
	_, err := g.router.Subscribe(ctx, sess.principal, sess.id, body.ChannelType, frame.Channel, body.Filters, body.Acknowledgment)
	if err != nil {
		g.sendError(sess, wire.NewErrorFrame("SUBSCRIBE_FAILED", err.Error()))
		return err
	}
	return nil
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, sess *session, frame wire.InboundFrame) error {
	if frame.Channel == "" {
		return apierr.New(apierr.Parse, "unsubscribe frame missing channel")
	}
	var body subscribePayload
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &body)
	}
	return g.router.Unsubscribe(ctx, sess.principal, sess.id, body.ChannelType, frame.Channel)
}

// publishPayload is the body of a "publish" InboundFrame.
type publishPayload struct {
	ChannelType    router.ChannelType `json:"channelType"`
	EventType      string             `json:"eventType"`
	Payload        json.RawMessage    `json:"payload"`
	Priority       int                `json:"priority,omitempty"`
	Acknowledgment bool               `json:"acknowledgment,omitempty"`
}

func (g *Gateway) handlePublish(ctx context.Context, sess *session, frame wire.InboundFrame) error {
	if frame.Channel == "" {
		return apierr.New(apierr.Parse, "publish frame missing channel")
	}
	var body publishPayload
	if len(frame.Payload) == 0 {
		return apierr.New(apierr.Parse, "publish frame missing payload")
	}
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		return apierr.Wrap(apierr.Parse, "decode publish payload", err)
	}
	_, err := g.router.Publish(ctx, sess.principal, body.ChannelType, frame.Channel, body.EventType, body.Payload, body.Priority, body.Acknowledgment)
	if err != nil {
		g.sendError(sess, wire.NewErrorFrame("PUBLISH_FAILED", err.Error()))
		return err
	}
	return nil
}

func (g *Gateway) handleHeartbeat(ctx context.Context, sess *session, frame wire.InboundFrame) error {
	var clientTs *time.Time
	if frame.Metadata != nil && frame.Metadata.Timestamp != 0 {
		t := time.UnixMilli(frame.Metadata.Timestamp)
		clientTs = &t
	}
	if _, err := g.manager.UpdateHeartbeat(ctx, sess.id, clientTs); err != nil {
		return err
	}
	pong := wire.PongFrame{Type: wire.FramePong, Timestamp: g.now().UnixMilli()}
	body, err := json.Marshal(pong)
	if err != nil {
		return err
	}
	_ = sess.conn.SetWriteDeadline(g.now().Add(writeWait))
	return sess.conn.WriteMessage(websocket.TextMessage, body)
}
