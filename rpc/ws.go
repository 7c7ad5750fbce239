package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"aetherlock/gateway/middleware"
	"aetherlock/hub"
)

const wsWriteTimeout = 10 * time.Second

// clientCommand is one inbound frame from a websocket client.
type clientCommand struct {
	Type      string `json:"type"`
	EscrowID  string `json:"escrowId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.WalletFromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	session := s.hub.Connect(wallet)
	defer s.hub.Disconnect(session)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		s.readCommands(ctx, conn, session)
	}()

	if err := s.streamFrames(ctx, conn, session); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamFrames(ctx context.Context, conn *websocket.Conn, session *hub.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-session.Frames():
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn("malformed websocket command", "wallet", session.Wallet())
			continue
		}
		s.dispatchCommand(ctx, conn, session, cmd)
	}
}

func (s *Server) dispatchCommand(ctx context.Context, conn *websocket.Conn, session *hub.Session, cmd clientCommand) {
	switch cmd.Type {
	case "join_escrow":
		s.hub.Join(session, cmd.EscrowID)
	case "leave_escrow":
		s.hub.Leave(session, cmd.EscrowID)
	case "send_message":
		if _, err := s.hub.SendMessage(ctx, session, cmd.EscrowID, cmd.Content); err != nil {
			s.writeCommandError(ctx, conn, cmd, err)
		}
	case "mark_read":
		if err := s.hub.MarkRead(ctx, session, cmd.EscrowID, cmd.MessageID); err != nil {
			s.writeCommandError(ctx, conn, cmd, err)
		}
	case "typing_start":
		s.hub.TypingStart(session, cmd.EscrowID)
	case "typing_stop":
		s.hub.TypingStop(session, cmd.EscrowID)
	default:
		s.logger.Warn("unknown websocket command", "type", cmd.Type, "wallet", session.Wallet())
	}
}

func (s *Server) writeCommandError(ctx context.Context, conn *websocket.Conn, cmd clientCommand, err error) {
	frame := hub.Frame{Type: "error", Payload: map[string]any{
		"command":  cmd.Type,
		"escrowId": cmd.EscrowID,
		"message":  err.Error(),
	}}
	_ = writeFrame(ctx, conn, frame)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame hub.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
