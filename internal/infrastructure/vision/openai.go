package vision

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

	"extractpay/internal/config"
)

// ErrInferenceFailed 视觉模型推理失败
var ErrInferenceFailed = errors.New("图片识别失败")

// Client 视觉模型客户端接口
// 提取服务依赖这个接口，测试时用桩实现替换
type Client interface {
	ExtractText(ctx context.Context, base64Image, requirements string) (string, error)
}

const (
	openaiChatURL      = "https://api.openai.com/v1/chat/completions"
	openaiMaxRetries   = 3
	openaiInitialDelay = 1 * time.Second
)

// 提示词模板：要求模型只输出提取结果本身，逐行列出，不加任何解释
const promptTemplate = `Please analyze this image and extract ONLY the following information:
%s

Important instructions for formatting the response:
1. Present each piece of information on a new line
2. Do not use labels or prefixes
3. Keep the format simple and clean
4. Focus only on extracting exactly what was requested
5. Do not add any additional text or explanations
6. If extracting multiple items of the same type (like names), list them one per line

Example format:
John Smith
Jane Doe
Robert Johnson
`

const defaultRequirements = "Extract all visible text"

// OpenAIClient OpenAI 视觉模型客户端
type OpenAIClient struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	return &OpenAIClient{
		apiKey:    cfg.APIKey,
		baseURL:   openaiChatURL,
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ExtractText 对单张图片做文本提取
func (c *OpenAIClient) ExtractText(ctx context.Context, base64Image, requirements string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: OPENAI API key 未配置", ErrInferenceFailed)
	}

	if requirements == "" {
		requirements = defaultRequirements
	}

	dataURL := base64Image
	if !strings.HasPrefix(dataURL, "data:") {
		dataURL = "data:image/jpeg;base64," + base64Image
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: fmt.Sprintf(promptTemplate, requirements)},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	// 限流和服务端错误指数退避重试：1s, 2s, 4s
	var lastErr error
	for attempt := 0; attempt < openaiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := openaiInitialDelay << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("创建请求失败: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("请求视觉模型失败: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("读取响应失败: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var errResp apiError
			if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
				lastErr = fmt.Errorf("%w: %d %s", ErrInferenceFailed, resp.StatusCode, errResp.Error.Message)
			} else {
				lastErr = fmt.Errorf("%w: %d", ErrInferenceFailed, resp.StatusCode)
			}

			// 429 和 5xx 重试，其他客户端错误直接失败
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return "", lastErr
		}

		var chatResp chatResponse
		if err := json.Unmarshal(respBody, &chatResp); err != nil {
			return "", fmt.Errorf("解析响应失败: %w", err)
		}
		if len(chatResp.Choices) == 0 {
			return "", fmt.Errorf("%w: 模型未返回结果", ErrInferenceFailed)
		}

		return cleanLines(chatResp.Choices[0].Message.Content), nil
	}

	return "", fmt.Errorf("重试 %d 次后仍然失败: %w", openaiMaxRetries, lastErr)
}

// cleanLines 去掉空行和首尾空白
func cleanLines(content string) string {
	lines := strings.Split(content, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
