package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"wxbot/internal/domain"
)

const maxVisionImageBytes = 10 * 1024 * 1024

// ErrImageTooLarge is returned by AnalyzeImage for attachments over the
// vision API's size limit, so callers can tell the sender instead of
// reporting a service failure.
var ErrImageTooLarge = errors.New("image exceeds 10MB")

// SiliconFlow talks to the SiliconFlow API (or any OpenAI-compatible
// endpoint): chat completions, image generation and vision analysis.
type SiliconFlow struct {
	name          string
	apiKey        string
	apiBase       string
	chatModel     string
	maxTokens     int
	temperature   float64
	topP          float64
	imageModel    string
	imageSize     string
	imageSteps    int
	guidanceScale float64
	imageCount    int
	visionModel   string
	visionPrompt  string
	client        *http.Client
	logger        *slog.Logger
}

type SiliconFlowConfig struct {
	Name          string // reported provider name, defaults to "siliconflow"
	APIKey        string
	APIBase       string
	ChatModel     string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	ImageModel    string
	ImageSize     string
	ImageSteps    int
	GuidanceScale float64
	ImageCount    int
	VisionModel   string
	VisionPrompt  string
	Timeout       time.Duration
	Logger        *slog.Logger
}

func NewSiliconFlow(cfg SiliconFlowConfig) *SiliconFlow {
	if cfg.Name == "" {
		cfg.Name = "siliconflow"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.siliconflow.cn/v1"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "Qwen/QwQ-32B"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.TopP <= 0 {
		cfg.TopP = 0.8
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "Kwai-Kolors/Kolors"
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "1024x1024"
	}
	if cfg.ImageSteps <= 0 {
		cfg.ImageSteps = 20
	}
	if cfg.GuidanceScale <= 0 {
		cfg.GuidanceScale = 7.5
	}
	if cfg.ImageCount <= 0 {
		cfg.ImageCount = 4
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "Qwen/Qwen2.5-VL-72B-Instruct"
	}
	if cfg.VisionPrompt == "" {
		cfg.VisionPrompt = "请详细描述这张图片的内容"
	}
	return &SiliconFlow{
		name:          cfg.Name,
		apiKey:        cfg.APIKey,
		apiBase:       cfg.APIBase,
		chatModel:     cfg.ChatModel,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		topP:          cfg.TopP,
		imageModel:    cfg.ImageModel,
		imageSize:     cfg.ImageSize,
		imageSteps:    cfg.ImageSteps,
		guidanceScale: cfg.GuidanceScale,
		imageCount:    cfg.ImageCount,
		visionModel:   cfg.VisionModel,
		visionPrompt:  cfg.VisionPrompt,
		client:        SharedHTTPClient(cfg.Timeout),
		logger:        cfg.Logger,
	}
}

func (s *SiliconFlow) Name() string { return s.name }

func (s *SiliconFlow) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: invalid API key", s.name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", s.name, resp.StatusCode)
	}
	return nil
}

type sfChatRequest struct {
	Model       string      `json:"model"`
	Messages    []sfMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
	TopP        float64     `json:"top_p,omitempty"`
}

type sfMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string for chat, []sfPart for vision
}

type sfPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *sfImageURL `json:"image_url,omitempty"`
}

type sfImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type sfChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat answers the query with a single chat completion.
func (s *SiliconFlow) Chat(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	model := req.Model
	if model == "" {
		model = s.chatModel
	}
	body := sfChatRequest{
		Model:       model,
		Messages:    []sfMessage{{Role: "user", Content: req.Query}},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		TopP:        s.topP,
	}
	text, err := s.chatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	return &domain.Reply{Text: text}, nil
}

// AnalyzeImage describes the attachment with the vision model. The
// attachment reference is either a fetchable URL, passed through, or a
// local file, inlined as a base64 data URL.
func (s *SiliconFlow) AnalyzeImage(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	imageURL, err := s.resolveImageRef(req.Attachment)
	if err != nil {
		return nil, err
	}
	prompt := req.Query
	if prompt == "" {
		prompt = s.visionPrompt
	}
	body := sfChatRequest{
		Model: s.visionModel,
		Messages: []sfMessage{{
			Role: "user",
			Content: []sfPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &sfImageURL{URL: imageURL, Detail: "low"}},
			},
		}},
		MaxTokens:   800,
		Temperature: 0.7,
	}
	text, err := s.chatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	return &domain.Reply{Text: text}, nil
}

func (s *SiliconFlow) resolveImageRef(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxVisionImageBytes {
		return "", ErrImageTooLarge
	}
	if len(data) < 1024 {
		return "", fmt.Errorf("image data too small: %d bytes", len(data))
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (s *SiliconFlow) chatCompletion(ctx context.Context, body sfChatRequest) (string, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError(s.name, resp)
	}

	var sfResp sfChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&sfResp); err != nil {
		return "", &domain.ProviderError{Provider: s.name, Message: fmt.Sprintf("decode: %v", err)}
	}
	if len(sfResp.Choices) == 0 {
		return "", &domain.ProviderError{Provider: s.name, Message: "empty choices"}
	}
	return strings.TrimSpace(sfResp.Choices[0].Message.Content), nil
}

type sfImageRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	ImageSize      string  `json:"image_size"`
	InferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	ResponseFormat string  `json:"response_format"`
	N              int     `json:"n"`
}

type sfImageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateImages renders a batch of images for the prompt and returns
// their URLs. Entries without a URL are dropped.
func (s *SiliconFlow) GenerateImages(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	body := sfImageRequest{
		Model:          s.imageModel,
		Prompt:         req.Query,
		NegativePrompt: "模糊, 低质量, 变形",
		ImageSize:      s.imageSize,
		InferenceSteps: s.imageSteps,
		GuidanceScale:  s.guidanceScale,
		ResponseFormat: "url",
		N:              s.imageCount,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.apiBase+"/images/generations", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(s.name, resp)
	}

	var imgResp sfImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return nil, &domain.ProviderError{Provider: s.name, Message: fmt.Sprintf("decode: %v", err)}
	}
	if len(imgResp.Data) == 0 {
		return nil, &domain.ProviderError{Provider: s.name, Message: "no images returned"}
	}

	urls := make([]string, 0, len(imgResp.Data))
	for _, item := range imgResp.Data {
		if item.URL != "" {
			urls = append(urls, item.URL)
		}
	}
	return &domain.Reply{Images: urls}, nil
}
