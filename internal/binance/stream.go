package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"depthbook/internal/orderbook"
)

const readLimit = 1 << 20

// DepthStream produces diff-depth events from the Binance websocket.
type DepthStream struct {
	endpoints Endpoints
	market    Market
	log       zerolog.Logger
}

func NewDepthStream(ep Endpoints, market Market, log zerolog.Logger) *DepthStream {
	return &DepthStream{
		endpoints: ep,
		market:    market,
		log:       log.With().Str("component", "depth-stream").Logger(),
	}
}

// StreamDepth dials the depth stream for symbol and hands every decoded
// depthUpdate to fn until ctx ends or the connection fails. A normal close
// returns nil.
func (s *DepthStream) StreamDepth(ctx context.Context, symbol string, fn func(orderbook.DepthChangeEvent)) error {
	streamURL := s.endpoints.DepthStreamURL(s.market, symbol)
	ws, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	ws.SetReadLimit(readLimit)
	defer ws.Close(websocket.StatusNormalClosure, "shutdown")

	s.log.Info().Str("symbol", symbol).Str("url", streamURL).Msg("depth stream connected")

	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			s.log.Warn().Int("type", int(msgType)).Msg("non-text message skipped")
			continue
		}
		ev, ok, err := DecodeDepth(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable depth message skipped")
			continue
		}
		if !ok {
			continue
		}
		fn(ev)
	}
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthMessage struct {
	EventType string `json:"e"`
	orderbook.DepthChangeEvent
}

// DecodeDepth decodes a raw or combined-stream depth message. ok is false
// for well-formed messages that are not depth updates.
func DecodeDepth(data []byte) (ev orderbook.DepthChangeEvent, ok bool, err error) {
	if bytes.Contains(data, []byte(`"stream"`)) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return ev, false, fmt.Errorf("unmarshal envelope: %w", err)
		}
		if len(env.Data) > 0 {
			data = env.Data
		}
	}
	var msg depthMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ev, false, fmt.Errorf("unmarshal diff: %w", err)
	}
	if msg.EventType != "" && msg.EventType != "depthUpdate" {
		return ev, false, nil
	}
	return msg.DepthChangeEvent, true, nil
}
