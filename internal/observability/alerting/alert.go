package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次分析任务的终态失败。
type Event struct {
	Code            xerrors.Code
	Message         string
	Severity        xerrors.Severity
	TaskID          string
	TaskDescription string
	Attempts        int
	MaxAttempts     int
	Metadata        map[string]string
	OccurredAt      time.Time
}

// headline 形如 "[critical] RECURSION_LIMIT"。
func (e Event) headline() string {
	return fmt.Sprintf("[%s] %s", e.Severity, e.Code)
}

func (e Event) retries() string {
	return fmt.Sprintf("重试 %d/%d", e.Attempts, e.MaxAttempts)
}

// body 渲染多行正文，detailed 为 true 时附带发生时间与按键排序的元数据。
func (e Event) body(detailed bool) string {
	var b strings.Builder
	if detailed {
		fmt.Fprintf(&b, "告警时间: %s\n", e.OccurredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "任务: %s\n", e.TaskID)
	if desc := strings.TrimSpace(e.TaskDescription); desc != "" {
		fmt.Fprintf(&b, "任务描述: %s\n", clip(desc, 200))
	}
	fmt.Fprintf(&b, "%s\n错误码: %s\n描述: %s", e.retries(), e.Code, e.Message)
	if detailed && len(e.Metadata) > 0 {
		b.WriteString("\n详情:")
		for _, key := range slices.Sorted(maps.Keys(e.Metadata)) {
			fmt.Fprintf(&b, "\n- %s: %s", key, e.Metadata[key])
		}
	}
	return b.String()
}

func clip(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "…"
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 由任务处理器在终态失败时调用。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按渠道名顺序逐个投递，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set[n.Channel()] = n
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 投递到全部渠道，单个渠道失败不影响其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, channel := range slices.Sorted(maps.Keys(d.notifiers)) {
		if err := d.notifiers[channel].Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func skipUnconfigured(channel Channel, event Event) error {
	logger.L().Warn("告警渠道未正确配置，跳过发送", slog.String("channel", string(channel)), slog.String("task_id", event.TaskID))
	return nil
}

// EmailSender 发送一封纯文本邮件。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		return skipUnconfigured(ChannelEmail, event)
	}
	return n.Sender.Send(ctx, n.SubjectPrefix+event.headline(), event.body(true), n.To)
}

// DingTalkSender 向钉钉机器人发送文本消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		return skipUnconfigured(ChannelDingTalk, event)
	}
	return n.Sender.Send(ctx, event.headline()+"\n"+event.body(false))
}

// SlackSender 向 Slack 发送消息，channel 为空时使用 webhook 绑定的默认频道。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送单行告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		return skipUnconfigured(ChannelSlack, event)
	}
	content := fmt.Sprintf("*%s* 任务 `%s` 失败: %s (%s)", event.headline(), event.TaskID, event.Message, event.retries())
	return n.Sender.Send(ctx, n.ChannelID, content)
}
