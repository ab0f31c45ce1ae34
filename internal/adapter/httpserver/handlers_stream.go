package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/platform/correlation"
)

const wsWriteWait = 10 * time.Second

// connectionFromRequest reads the routing attributes of a new stream from the
// query string. memberId alone selects the single-key variant.
func connectionFromRequest(c echo.Context) domain.Connection {
	q := c.QueryParams()

	conn := domain.Connection{
		ChannelID: q.Get("channelId"),
		ChatID:    q.Get("chatId"),
	}
	if member := q.Get("memberId"); member != "" && conn.ChannelID == "" && conn.ChatID == "" {
		conn = domain.MemberConnection(member)
	}

	conn.ID = q.Get("connectionId")
	conn.SubjectID = q.Get("subjectId")
	conn.AuthToken = bearerToken(c.Request())
	if conn.AuthToken == "" {
		conn.AuthToken = q.Get("authToken")
	}
	conn.MediumType = q.Get("mediumType")
	conn.MediumKey = q.Get("mediumKey")
	conn.SessionID = q.Get("sessionId")
	conn.Metadata = map[string]string{
		"user_agent": c.Request().UserAgent(),
		"remote_ip":  c.RealIP(),
	}
	return conn
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) connectedEvent(conn domain.Connection) domain.Event {
	payload, _ := json.Marshal(map[string]string{"connectionId": conn.ID})
	return domain.Event{
		ID:           uuid.NewString(),
		Type:         domain.EventTypeConnected,
		Payload:      payload,
		Timestamp:    s.clock.Now().UTC(),
		ChannelID:    conn.ChannelID,
		ChatID:       conn.ChatID,
		ConnectionID: conn.ID,
	}
}

func (s *Server) handleSSEConnect(c echo.Context) error {
	stream, err := s.app.RegisterConnection(c.Request().Context(), connectionFromRequest(c))
	if err != nil {
		return HandleError(c, err)
	}
	defer stream.Close()

	ctx := correlation.WithConnectionID(c.Request().Context(), stream.ID())

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeSSE(res, s.connectedEvent(stream.Connection())); err != nil {
		return nil
	}

	delivered := 0
	for ev := range stream.Events(ctx) {
		if err := writeSSE(res, ev); err != nil {
			slog.DebugContext(ctx, "SSE write failed", "error", err)
			break
		}
		delivered++
	}

	slog.InfoContext(ctx, "SSE stream closed", "events", delivered)
	return nil
}

// writeSSE frames one event and flushes it to the client.
func writeSSE(res *echo.Response, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(res, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	res.Flush()
	return nil
}

func (s *Server) handleWSConnect(c echo.Context) error {
	conn := connectionFromRequest(c)
	if err := conn.Validate(); err != nil {
		return HandleError(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}
	defer func() { _ = ws.Close() }()

	stream, err := s.app.RegisterConnection(c.Request().Context(), conn)
	if err != nil {
		closeWS(ws, websocket.ClosePolicyViolation, err.Error())
		return nil
	}
	defer stream.Close()

	ctx, cancel := context.WithCancel(correlation.WithConnectionID(c.Request().Context(), stream.ID()))
	defer cancel()

	// Inbound frames are ignored; a read error means the peer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(ws, s.connectedEvent(stream.Connection())); err != nil {
		return nil
	}

	delivered := 0
	for ev := range stream.Events(ctx) {
		if err := writeWS(ws, ev); err != nil {
			slog.DebugContext(ctx, "WebSocket write failed", "error", err)
			break
		}
		delivered++
	}

	closeWS(ws, websocket.CloseNormalClosure, "stream ended")
	slog.InfoContext(ctx, "WebSocket stream closed", "events", delivered)
	return nil
}

func writeWS(ws *websocket.Conn, ev domain.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

