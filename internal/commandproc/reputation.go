package commandproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/waddlebot/router/pkg/models"
)

// ReputationEvent is the payload posted to the external reputation service.
// message_type is remapped from the router's internal vocabulary to the
// reputation service's own (chatMessage -> message), and the relevant
// quantity field (bits, minutes, amount) is carried through per event kind.
type ReputationEvent struct {
	Platform    models.Platform `json:"platform"`
	ServerID    string          `json:"server_id"`
	ChannelID   string          `json:"channel_id,omitempty"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	EventType   string          `json:"event_type"`
	Bits        int             `json:"bits,omitempty"`
	Minutes     int             `json:"minutes,omitempty"`
	Amount      float64         `json:"amount,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

var reputationEventTypeMap = map[string]string{
	"chatMessage": "message",
}

// mapReputationEvent translates an InboundEvent into a ReputationEvent, or
// reports ok=false when the event's metadata carries no message_type. Types
// missing from reputationEventTypeMap pass through under their own name.
func mapReputationEvent(ev *models.InboundEvent) (ReputationEvent, bool) {
	msgType, _ := ev.Metadata["message_type"].(string)
	if msgType == "" {
		return ReputationEvent{}, false
	}
	eventType, ok := reputationEventTypeMap[msgType]
	if !ok {
		eventType = msgType
	}

	out := ReputationEvent{
		Platform:  ev.Platform,
		ServerID:  ev.ServerID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		EventType: eventType,
		Timestamp: ev.Timestamp,
	}
	if bits, ok := ev.Metadata["bits"].(float64); ok {
		out.Bits = int(bits)
	}
	if minutes, ok := ev.Metadata["minutes"].(float64); ok {
		out.Minutes = int(minutes)
	}
	if amount, ok := ev.Metadata["amount"].(float64); ok {
		out.Amount = amount
	}
	return out, true
}

// HTTPReputationClient posts ReputationEvents to the configured reputation
// service endpoint, bounded by a short timeout; callers treat any failure as
// non-fatal to the surrounding pipeline.
type HTTPReputationClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPReputationClient(baseURL string) *HTTPReputationClient {
	return &HTTPReputationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPReputationClient) Report(ctx context.Context, event ReputationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal reputation event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reputation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reputation event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reputation service returned status %d", resp.StatusCode)
	}
	return nil
}
