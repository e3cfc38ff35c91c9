package onebot

import (
	"context"
	"log/slog"
)

// Mock logs platform actions instead of calling the API. Used for local
// development when no API endpoint is configured.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a new mock client.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// RespondJoinRequest logs the response instead of sending it.
func (m *Mock) RespondJoinRequest(_ context.Context, flag, subType string, approve bool, reason string) error {
	m.logger.Info("MOCK JOIN REQUEST RESPONSE",
		"flag", flag,
		"sub_type", subType,
		"approve", approve,
		"reason", reason)
	return nil
}

// SendGroupMessage logs the message instead of sending it.
func (m *Mock) SendGroupMessage(_ context.Context, groupID, text string) error {
	m.logger.Info("MOCK GROUP MESSAGE",
		"group_id", groupID,
		"message", text)
	return nil
}
