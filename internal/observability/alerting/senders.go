package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"DataPilot/internal/config"
)

const webhookTimeout = 10 * time.Second

// WebhookSender 以 JSON POST 方式调用 Slack / 钉钉机器人 webhook。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建 webhook 发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: webhookTimeout}}
}

func (w *WebhookSender) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警 webhook 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// SlackWebhookSender 实现 SlackSender。
type SlackWebhookSender struct {
	*WebhookSender
}

// Send 发送 Slack 消息。
func (s SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return s.post(ctx, payload)
}

// DingTalkWebhookSender 实现 DingTalkSender。
type DingTalkWebhookSender struct {
	*WebhookSender
}

// Send 发送钉钉文本消息。
func (d DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	return d.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SMTPConfig 描述邮件服务器。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender 通过 SMTP 发送纯文本邮件。
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender 创建 SMTP 发送器。
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

// Send 实现 EmailSender。
func (s *SMTPSender) Send(ctx context.Context, subject, content string, to []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}

// FromConfig 根据配置组装告警渠道，未配置任何渠道时返回 nil。
func FromConfig(cfg config.AlertingConfig) Dispatcher {
	var notifiers []Notifier
	if url := strings.TrimSpace(cfg.SlackWebhook); url != "" {
		notifiers = append(notifiers, &SlackNotifier{Sender: SlackWebhookSender{NewWebhookSender(url)}})
	}
	if url := strings.TrimSpace(cfg.DingTalkWebhook); url != "" {
		notifiers = append(notifiers, &DingTalkNotifier{Sender: DingTalkWebhookSender{NewWebhookSender(url)}})
	}
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, &EmailNotifier{
			Sender: NewSMTPSender(SMTPConfig{
				Host:     cfg.Email.Host,
				Port:     cfg.Email.Port,
				Username: cfg.Email.Username,
				Password: cfg.Email.Password,
				From:     cfg.Email.From,
			}),
			To:            cfg.Email.To,
			SubjectPrefix: "[DataPilot]",
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return NewFanout(notifiers...)
}
