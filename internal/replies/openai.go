package replies

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

const defaultCompletionsURL = "https://api.openai.com/v1/chat/completions"

// OpenAIGenerator calls the chat-completions endpoint with bounded output
// length and moderate sampling temperature. Outbound calls are paced through
// a token-bucket limiter so a burst of reply requests doesn't trip the
// provider's own throttling.
type OpenAIGenerator struct {
	URL     string
	APIKey  string
	Model   string
	Client  *http.Client
	Limiter *rate.Limiter
}

func NewOpenAIGenerator() *OpenAIGenerator {
	return &OpenAIGenerator{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   "gpt-4o-mini",
		Limiter: rate.NewLimiter(rate.Limit(2), 2),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	model := g.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		MaxTokens:   300,
		Temperature: 0.7,
		Messages: []chatMessage{
			{Role: "system", Content: "You write short, helpful, non-spammy Reddit replies that mention the product naturally. Never sound like an ad."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	endpoint := g.URL
	if endpoint == "" {
		endpoint = defaultCompletionsURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("replies: completion status=%d", res.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("replies: empty completion")
	}
	return out.Choices[0].Message.Content, nil
}
