package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shaiso/Stagehand/internal/domain"
)

// maxSlackErrorLen — диагностика длиннее обрезается (сообщение Slack ограничено).
const maxSlackErrorLen = 2500

// SlackNotifier отправляет сообщение в Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackNotifier создаёт notifier. Пустой URL — ошибка конфигурации.
func NewSlackNotifier(webhookURL string) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook url is empty")
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type slackMessage struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) Notify(ctx context.Context, ev domain.RunEvent) error {
	err := n.send(ctx, slackMessage{Text: FormatSlackText(ev)})
	record("slack", err)
	return err
}

func (n *SlackNotifier) send(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// FormatSlackText собирает текст сообщения о завершении run.
func FormatSlackText(ev domain.RunEvent) string {
	var b strings.Builder

	icon := ":white_check_mark:"
	if ev.Status == domain.RunStatusFailed {
		icon = ":x:"
	}
	fmt.Fprintf(&b, "%s *%s* run `%s` %s", icon, ev.PipelineType, ev.RunID, strings.ToLower(string(ev.Status)))
	if ev.Duration > 0 {
		fmt.Fprintf(&b, " in %s", humanizeDuration(ev.Duration))
	}
	if !ev.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " (finished %s)", ev.FinishedAt.UTC().Format(time.RFC3339))
	}

	if ev.Status == domain.RunStatusFailed {
		if ev.Stage != "" {
			fmt.Fprintf(&b, "\nstage: `%s`", ev.Stage)
		}
		if ev.Error != "" {
			fmt.Fprintf(&b, "\n```%s```", truncateTail(ev.Error, maxSlackErrorLen))
		}
	}
	return b.String()
}

// humanizeDuration: "42 seconds", "3 minutes", "2 hours".
func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	// RelTime с одинаковыми суффиксами даёт только величину
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}

// truncateTail оставляет последние limit байт: в конце логов обычно сама ошибка.
func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
