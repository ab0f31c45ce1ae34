package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pushline/internal/domain"
)

type connectionsResponse struct {
	MemberID    string                     `json:"memberId,omitempty"`
	ChannelID   string                     `json:"channelId"`
	ChatID      string                     `json:"chatId"`
	MediumKey   string                     `json:"mediumKey,omitempty"`
	ActiveCount int                        `json:"activeCount"`
	IsConnected bool                       `json:"isConnected"`
	Connections []domain.ConnectionSummary `json:"connections"`
}

// connectionDetail never carries the auth token.
type connectionDetail struct {
	ConnectionID   string            `json:"connectionId"`
	ChannelID      string            `json:"channelId"`
	ChatID         string            `json:"chatId"`
	SubjectID      string            `json:"subjectId,omitempty"`
	Authenticated  bool              `json:"authenticated"`
	MediumType     string            `json:"mediumType,omitempty"`
	MediumKey      string            `json:"mediumKey,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	ConnectedAt    time.Time         `json:"connectedAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	TTLExpiresAt   time.Time         `json:"ttlExpiresAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func newConnectionDetail(conn domain.Connection) connectionDetail {
	return connectionDetail{
		ConnectionID:   conn.ID,
		ChannelID:      conn.ChannelID,
		ChatID:         conn.ChatID,
		SubjectID:      conn.SubjectID,
		Authenticated:  conn.Authenticated(),
		MediumType:     conn.MediumType,
		MediumKey:      conn.MediumKey,
		SessionID:      conn.SessionID,
		ConnectedAt:    conn.ConnectedAt,
		LastActivityAt: conn.LastActivityAt,
		TTLExpiresAt:   conn.TTLExpiresAt,
		Metadata:       conn.Metadata,
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	response := map[string]any{
		"activeConnections": s.app.ConnectionCount(),
		"status":            "healthy",
		"timestamp":         s.clock.Now().UTC(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleListConnections(c echo.Context) error {
	memberID := c.QueryParam("memberId")
	sel := domain.Selector{
		ChannelID: c.QueryParam("channelId"),
		ChatID:    c.QueryParam("chatId"),
		MediumKey: c.QueryParam("mediumKey"),
	}
	if memberID != "" && sel.ChannelID == "" && sel.ChatID == "" {
		sel.ChannelID, sel.ChatID = memberID, memberID
	}
	if err := sel.Validate(); err != nil {
		return HandleError(c, err)
	}

	summaries := s.app.ActiveConnectionsFor(sel)
	response := connectionsResponse{
		MemberID:    memberID,
		ChannelID:   sel.ChannelID,
		ChatID:      sel.ChatID,
		MediumKey:   sel.MediumKey,
		ActiveCount: len(summaries),
		IsConnected: len(summaries) > 0,
		Connections: summaries,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write connections response: %w", err)
	}
	return nil
}

func (s *Server) handleGetConnection(c echo.Context) error {
	conn, err := s.app.Connection(c.Param("id"))
	if err != nil {
		return HandleError(c, err)
	}

	if err := c.JSON(http.StatusOK, newConnectionDetail(conn)); err != nil {
		return fmt.Errorf("failed to write connection response: %w", err)
	}
	return nil
}

func (s *Server) handleDeleteConnection(c echo.Context) error {
	s.app.Disconnect(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
