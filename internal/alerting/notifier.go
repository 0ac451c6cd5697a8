package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"ankercloud/internal/models"
)

// Notifier delivers one incident notification to a channel.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// WebhookNotifier POSTs a JSON payload to a configured URL.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"title":   title,
		"message": message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notification failed with status: %d", resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends notifications over SMTP.
type EmailNotifier struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	From         string
	To           []string
}

func NewEmailNotifier(smtpHost string, smtpPort int, username, password, from string, to []string) *EmailNotifier {
	return &EmailNotifier{
		SMTPHost:     smtpHost,
		SMTPPort:     smtpPort,
		SMTPUsername: username,
		SMTPPassword: password,
		From:         from,
		To:           to,
	}
}

func (e *EmailNotifier) Send(ctx context.Context, title, message string) error {
	body := fmt.Sprintf("Subject: %s\r\n\r\n%s", title, message)
	addr := fmt.Sprintf("%s:%d", e.SMTPHost, e.SMTPPort)
	auth := smtp.PlainAuth("", e.SMTPUsername, e.SMTPPassword, e.SMTPHost)
	return smtp.SendMail(addr, auth, e.From, e.To, []byte(body))
}

// NewNotifier builds a notifier from a channel's type and JSON config.
func NewNotifier(channelType string, config map[string]any) (Notifier, error) {
	switch channelType {
	case "webhook":
		url, ok := config["url"].(string)
		if !ok || url == "" {
			return nil, fmt.Errorf("missing url for webhook channel")
		}
		headers := make(map[string]string)
		if raw, ok := config["headers"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		return NewWebhookNotifier(url, headers), nil

	case "email":
		smtpHost, ok := config["smtp_host"].(string)
		if !ok || smtpHost == "" {
			return nil, fmt.Errorf("missing smtp_host for email channel")
		}
		smtpPort, _ := config["smtp_port"].(float64)
		username, _ := config["username"].(string)
		password, _ := config["password"].(string)
		from, _ := config["from"].(string)
		toRaw, ok := config["to"].([]any)
		if !ok || len(toRaw) == 0 {
			return nil, fmt.Errorf("missing to for email channel")
		}
		to := make([]string, 0, len(toRaw))
		for _, v := range toRaw {
			if s, ok := v.(string); ok {
				to = append(to, s)
			}
		}
		return NewEmailNotifier(smtpHost, int(smtpPort), username, password, from, to), nil

	default:
		return nil, fmt.Errorf("unsupported channel type: %s", channelType)
	}
}

// FormatIncidentMessage renders the notification body for an incident
// transition.
func FormatIncidentMessage(res *models.Resource, policy *models.AlertPolicy, incident *models.Incident, action string) (title, message string) {
	title = fmt.Sprintf("[%s] %s: %s", incident.Severity, action, res.Name)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Resource: %s (%s)\n", res.Name, res.Kind))
	sb.WriteString(fmt.Sprintf("Policy: %s\n", policy.Name))
	sb.WriteString(fmt.Sprintf("Condition: %s %s %.2f\n", policy.MetricName, policy.Operator, policy.Threshold))
	sb.WriteString(fmt.Sprintf("Observed value: %.2f\n", incident.LastValue))
	sb.WriteString(fmt.Sprintf("Triggered at: %s\n", incident.TriggeredAt.UTC().Format(time.RFC3339)))
	return title, sb.String()
}
