package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Mailer is the logical mail-send surface the auth flows emit events to.
// Failures are the caller's to log; account-lifecycle flows never fail a
// request because mail did not go out.
type Mailer interface {
	SendVerification(ctx context.Context, toEmail, token string) error
	SendPasswordReset(ctx context.Context, toEmail, token string) error
	SendPasswordChanged(ctx context.Context, toEmail string) error
}

// Config for the Postmark mailer.
type Config struct {
	Token    string
	From     string
	FromName string
	BaseURL  string
}

const defaultPostmarkURL = "https://api.postmarkapp.com/email"

// PostmarkMailer delivers through the Postmark REST API.
type PostmarkMailer struct {
	client   *http.Client
	token    string
	from     string
	fromName string
	baseURL  string
	apiURL   string
}

func NewPostmarkMailer(cfg Config) (*PostmarkMailer, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("postmark token missing")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("from address missing")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url missing")
	}

	return &PostmarkMailer{
		client:   &http.Client{Timeout: 10 * time.Second},
		token:    cfg.Token,
		from:     cfg.From,
		fromName: cfg.FromName,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiURL:   defaultPostmarkURL,
	}, nil
}

type postmarkMessage struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream,omitempty"`
}

func (m *PostmarkMailer) SendVerification(ctx context.Context, toEmail, token string) error {
	link := m.baseURL + "/verify-email?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("Welcome! Verify your email address by visiting:\n\n%s\n\nThe link expires in 24 hours.", link)
	return m.send(ctx, toEmail, "Verify your email address", body)
}

func (m *PostmarkMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	link := m.baseURL + "/reset-password?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("A password reset was requested for your account. Reset it here:\n\n%s\n\nThe link expires in 1 hour. If you did not request this, ignore this mail.", link)
	return m.send(ctx, toEmail, "Reset your password", body)
}

func (m *PostmarkMailer) SendPasswordChanged(ctx context.Context, toEmail string) error {
	body := "Your password was just changed. If this was not you, reset your password immediately and contact support."
	return m.send(ctx, toEmail, "Your password was changed", body)
}

func (m *PostmarkMailer) send(ctx context.Context, toEmail, subject, body string) error {
	from := m.from
	if m.fromName != "" {
		from = fmt.Sprintf("%s <%s>", m.fromName, m.from)
	}
	msg := postmarkMessage{
		From:          from,
		To:            strings.TrimSpace(toEmail),
		Subject:       subject,
		TextBody:      body,
		MessageStream: "outbound",
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal postmark payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", m.token)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		snippet := strings.TrimSpace(string(bodyBytes))
		if snippet == "" {
			snippet = resp.Status
		}
		return fmt.Errorf("postmark error: %s", snippet)
	}
	return nil
}

// LogMailer diverts mail to the log; used in development mode.
type LogMailer struct {
	log zerolog.Logger
}

func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) SendVerification(_ context.Context, toEmail, token string) error {
	m.log.Info().Str("to", toEmail).Str("token", token).Msg("verification mail (development mode)")
	return nil
}

func (m *LogMailer) SendPasswordReset(_ context.Context, toEmail, token string) error {
	m.log.Info().Str("to", toEmail).Str("token", token).Msg("password reset mail (development mode)")
	return nil
}

func (m *LogMailer) SendPasswordChanged(_ context.Context, toEmail string) error {
	m.log.Info().Str("to", toEmail).Msg("password changed mail (development mode)")
	return nil
}
