package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"librarium/internal/circulation"
)

// Channel is the downstream side of the audit pipeline.
type Channel interface {
	Publish(ctx context.Context, rec circulation.TransitionRecord) error
}

// HTTPChannel posts records as JSON to an audit collector endpoint.
type HTTPChannel struct {
	endpoint string
	client   *http.Client
}

func NewHTTPChannel(endpoint string) *HTTPChannel {
	return &HTTPChannel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPChannel) Publish(ctx context.Context, rec circulation.TransitionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transition record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post transition record: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("audit collector returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes records to the structured log. It is the default
// channel when no collector endpoint is configured.
type LogChannel struct {
	log *logrus.Logger
}

func NewLogChannel(log *logrus.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Publish(_ context.Context, rec circulation.TransitionRecord) error {
	c.log.WithFields(logrus.Fields{
		"event_id":    rec.EventID,
		"entity_type": rec.EntityType,
		"entity_id":   rec.EntityID,
		"from":        rec.From,
		"to":          rec.To,
		"actor":       rec.Actor,
		"occurred_at": rec.OccurredAt,
	}).Info("transition")
	return nil
}
