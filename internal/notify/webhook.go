package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"rotaguard/internal/config"
	"rotaguard/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each event envelope to a URL.
type WebhookSink struct {
	name   string
	url    string
	secret string
	filter eventFilter
	client *resty.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "rota-relay")
	return &WebhookSink{
		name:   "webhook:" + hook.Name,
		url:    hook.URL,
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: client,
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

func (s *WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	req := s.client.R().
		SetContext(ctx).
		SetHeader("X-Rota-Event", evt.Type).
		SetHeader("X-Rota-Delivery", strconv.FormatInt(evt.ID, 10)).
		SetBody(NewEnvelope(evt))
	if s.secret != "" {
		req.SetHeader("X-Rota-Secret", s.secret)
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(body))
	}
	return nil
}
