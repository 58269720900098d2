package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

const (
	TierPrimary   = "primary"
	TierSecondary = "secondary"
	TierFallback  = "fallback"
)

// tierChannels fixes which channels belong to which tier. Only the
// primary tier is dispatched initially; secondary and fallback are
// reached through EscalateToNextTier.
var tierChannels = map[string][]string{
	TierPrimary:   {ChannelEmail, ChannelChat, ChannelPush},
	TierSecondary: {ChannelSMS},
	TierFallback:  {ChannelVoice},
}

func nextTier(tier string) string {
	switch tier {
	case TierPrimary:
		return TierSecondary
	case TierSecondary:
		return TierFallback
	default:
		return ""
	}
}

func tierOf(channel string) string {
	for tier, channels := range tierChannels {
		for _, c := range channels {
			if c == channel {
				return tier
			}
		}
	}
	return ""
}

// Payload is what a channel sender needs to deliver one message.
type Payload struct {
	IncidentID int64
	UserID     int64
	Channel    string
	Target     string
	Title      string
	Message    string
	Kind       string
}

// Result reports a provider-side identifier for delivery correlation.
type Result struct {
	ProviderID string
}

type ChannelSender interface {
	Name() string
	Send(ctx context.Context, payload Payload) (Result, error)
	SupportsInteractivity() bool
}

// SenderRegistry maps channel names to their senders.
type SenderRegistry struct {
	senders map[string]ChannelSender
}

func NewSenderRegistry(senders ...ChannelSender) *SenderRegistry {
	r := &SenderRegistry{senders: map[string]ChannelSender{}}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	return r
}

func (r *SenderRegistry) Register(s ChannelSender) {
	r.senders[s.Name()] = s
}

func (r *SenderRegistry) Get(channel string) ChannelSender {
	if r == nil {
		return nil
	}
	return r.senders[strings.ToLower(strings.TrimSpace(channel))]
}

// HTTPChatSender posts incident messages to a chat provider over HTTP.
type HTTPChatSender struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewHTTPChatSender(baseURL, token string, timeout time.Duration) *HTTPChatSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChatSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (s *HTTPChatSender) Name() string { return ChannelChat }

func (s *HTTPChatSender) SupportsInteractivity() bool { return true }

func (s *HTTPChatSender) Send(ctx context.Context, payload Payload) (Result, error) {
	if s.baseURL == "" {
		return Result{}, errors.New("chat base url missing")
	}
	if strings.TrimSpace(payload.Target) == "" {
		return Result{}, errors.New("chat target missing")
	}
	body := map[string]any{
		"chat_id":     payload.Target,
		"text":        fmt.Sprintf("%s\n%s", payload.Title, payload.Message),
		"incident_id": payload.IncidentID,
	}
	raw, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("chat api status %d", resp.StatusCode)
	}
	var parsed struct {
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.Result.MessageID > 0 {
		return Result{ProviderID: fmt.Sprintf("%d", parsed.Result.MessageID)}, nil
	}
	return Result{}, nil
}

// WebhookSender delivers any channel through a provider webhook. Email,
// sms, voice and push gateways are all wired this way so dispatch logic
// stays channel-agnostic.
type WebhookSender struct {
	channel     string
	client      *http.Client
	endpoint    string
	authToken   string
	interactive bool
}

func NewWebhookSender(channel, endpoint, authToken string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		channel:   strings.ToLower(strings.TrimSpace(channel)),
		client:    &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		authToken: authToken,
	}
}

func (s *WebhookSender) Name() string { return s.channel }

func (s *WebhookSender) SupportsInteractivity() bool { return s.interactive }

func (s *WebhookSender) Send(ctx context.Context, payload Payload) (Result, error) {
	if s.endpoint == "" {
		return Result{}, fmt.Errorf("%s endpoint missing", s.channel)
	}
	body := map[string]any{
		"channel":     s.channel,
		"target":      payload.Target,
		"title":       payload.Title,
		"message":     payload.Message,
		"incident_id": payload.IncidentID,
		"kind":        payload.Kind,
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%s provider status %d", s.channel, resp.StatusCode)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
		return Result{ProviderID: parsed.ID}, nil
	}
	return Result{}, nil
}
