package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentVault-Chain/internal/reasoner"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 对资金操作做出裁决。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Evaluate 调用 OpenAI 并把回复严格解析成结构化裁决。
// 模型回复不合法时返回错误，调用方必须按拒绝处理。
func (c *Client) Evaluate(ctx context.Context, req reasoner.Request) (*reasoner.Verdict, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return parseVerdict(content)
}

// parseVerdict 严格解析裁决 JSON。模型偶尔会用 Markdown 代码块包住
// 回复，先剥掉再解析；字段缺失或类型不符一律报错。
func parseVerdict(content string) (*reasoner.Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var structured struct {
		Approved  *bool  `json:"approved"`
		Reason    string `json:"reason"`
		RiskLevel string `json:"risk_level"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("裁决内容不是合法 JSON: %w", err)
	}
	if structured.Approved == nil {
		return nil, errors.New("裁决缺少 approved 字段")
	}
	if strings.TrimSpace(structured.Reason) == "" {
		return nil, errors.New("裁决缺少 reason 字段")
	}

	risk := strings.ToLower(strings.TrimSpace(structured.RiskLevel))
	switch risk {
	case "low", "medium", "high":
	case "":
		risk = "medium"
	default:
		return nil, fmt.Errorf("裁决包含未知的风险等级: %s", structured.RiskLevel)
	}

	return &reasoner.Verdict{
		Approved:  *structured.Approved,
		Reason:    strings.TrimSpace(structured.Reason),
		RiskLevel: risk,
	}, nil
}

func (c *Client) buildPayload(req reasoner.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.1,
		"user":        req.Session,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the risk officer of an autonomous crypto wallet. " +
	"Judge whether the proposed on-chain action should proceed under the given policy. " +
	"Always respond with a compact JSON object: " +
	"{\"approved\": boolean, \"reason\": string, \"risk_level\": \"low\"|\"medium\"|\"high\"}. " +
	"Reject anything suspicious. Never include text outside the JSON object."

func buildUserPrompt(req reasoner.Request) string {
	var builder strings.Builder
	builder.WriteString("## 待评估操作\n")
	builder.WriteString(fmt.Sprintf("智能体: %s\n", strings.TrimSpace(req.AgentName)))
	builder.WriteString(fmt.Sprintf("操作类型: %s\n", strings.TrimSpace(req.ActionKind)))
	builder.WriteString(fmt.Sprintf("金额: %g\n", req.Amount))
	if destination := strings.TrimSpace(req.Destination); destination != "" {
		builder.WriteString(fmt.Sprintf("目标地址: %s\n", destination))
	}

	builder.WriteString("\n## 生效策略\n")
	builder.WriteString(fmt.Sprintf("单笔上限: %g\n", req.Policy.MaxTransactionAmount))
	builder.WriteString(fmt.Sprintf("自动批准阈值: %g\n", req.Policy.AutoApproveBelow))
	builder.WriteString(fmt.Sprintf("强制模拟: %t\n", req.Policy.RequireSimulation))

	builder.WriteString("\n请仅输出裁决 JSON。")
	return builder.String()
}
