package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "AgentVault-Chain/internal/errors"
)

const webhookTimeout = 10 * time.Second

// WebhookDingTalkSender 通过钉钉自定义机器人 Webhook 发送文本消息。
type WebhookDingTalkSender struct {
	URL        string
	HTTPClient *http.Client
}

// Send 推送文本消息到钉钉机器人。
func (s *WebhookDingTalkSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.HTTPClient, s.URL, payload)
}

// WebhookSlackSender 通过 Slack Incoming Webhook 发送消息。
// Webhook 绑定了目标频道，channel 参数仅用于日志标识。
type WebhookSlackSender struct {
	URL        string
	HTTPClient *http.Client
}

// Send 推送消息到 Slack Webhook。
func (s *WebhookSlackSender) Send(ctx context.Context, channel, content string) error {
	_ = channel
	payload := map[string]string{"text": content}
	return postJSON(ctx, s.HTTPClient, s.URL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, nil, "Webhook 地址为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化 Webhook 消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "构造 Webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "发送 Webhook 请求失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Wrap(xerrors.CodeExternalService, nil, fmt.Sprintf("Webhook 返回异常状态码 %d", resp.StatusCode))
	}
	return nil
}
