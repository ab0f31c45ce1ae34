package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pushline/internal/domain"
	apperrors "github.com/pscheid92/pushline/internal/platform/errors"
)

type broadcastBody struct {
	ChannelID            string          `json:"channelId"`
	ChatID               string          `json:"chatId"`
	MemberID             string          `json:"memberId"`
	MediumKey            string          `json:"mediumKey"`
	ExcludeConnectionID  string          `json:"excludeConnectionId"`
	RequireAuthenticated bool            `json:"requireAuthenticated"`
	EventType            string          `json:"eventType"`
	Payload              json.RawMessage `json:"payload"`
	EventData            json.RawMessage `json:"eventData"`
}

// request maps the body onto a broadcast. A body carrying only eventData is
// the older redirect form and is sent as a redirect event.
func (b broadcastBody) request() domain.BroadcastRequest {
	var req domain.BroadcastRequest
	if b.MemberID != "" && b.ChannelID == "" && b.ChatID == "" {
		req = domain.MemberBroadcast(b.MemberID, b.EventType, b.Payload)
	} else {
		req = domain.BroadcastRequest{
			Selector:  domain.Selector{ChannelID: b.ChannelID, ChatID: b.ChatID},
			EventType: b.EventType,
			Payload:   b.Payload,
		}
	}

	req.MediumKey = b.MediumKey
	req.ExcludeConnectionID = b.ExcludeConnectionID
	req.RequireAuthenticated = b.RequireAuthenticated

	if len(b.EventData) > 0 && b.EventType == "" && len(b.Payload) == 0 {
		req.EventType = domain.EventTypeRedirect
		req.Payload = b.EventData
	}
	return req
}

type broadcastResponse struct {
	Success     bool   `json:"success"`
	SentCount   int    `json:"sentCount"`
	Attempted   int    `json:"attempted"`
	Failed      int    `json:"failed"`
	BroadcastID string `json:"broadcastId"`
	Message     string `json:"message"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var body broadcastBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return HandleError(c, apperrors.ValidationError("invalid request body").WithField("cause", err.Error()))
	}

	report, err := s.app.Dispatch(c.Request().Context(), body.request())
	if err != nil {
		return HandleError(c, err)
	}

	return writeReport(c, report)
}

type broadcastAllBody struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// handleBroadcastAll sends one event to every live connection.
func (s *Server) handleBroadcastAll(c echo.Context) error {
	var body broadcastAllBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return HandleError(c, apperrors.ValidationError("invalid request body").WithField("cause", err.Error()))
	}

	return writeReport(c, s.app.BroadcastAll(c.Request().Context(), body.EventType, body.Payload))
}

func writeReport(c echo.Context, report domain.DeliveryReport) error {
	response := broadcastResponse{
		Success:     true,
		SentCount:   report.Delivered,
		Attempted:   report.Attempted,
		Failed:      report.Failed,
		BroadcastID: report.BroadcastID,
		Message:     fmt.Sprintf("Event sent to %d connection(s)", report.Delivered),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write broadcast response: %w", err)
	}
	return nil
}
