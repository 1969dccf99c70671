// Package llm talks to an OpenAI-compatible API for speech-to-text and chat
// completion. Both calls retry on rate limiting only; any other failure is
// returned to the caller.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 60 * time.Second
	transcribeTimeout = 300 * time.Second
	maxRetries        = 3
	initialBackoff    = 500 * time.Millisecond
)

// Message is a chat message in the OpenAI API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client communicates with an OpenAI-compatible API.
type Client struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	transcribeModel string
	chatModel       string
}

// New creates a Client with the given API key and models.
func New(apiKey, baseURL, transcribeModel, chatModel string) *Client {
	return &Client{
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{},
		transcribeModel: transcribeModel,
		chatModel:       chatModel,
	}
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// withRetry runs fn, retrying with exponential backoff while it reports rate
// limiting.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range maxRetries {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to the configured chat model and returns the
// assistant's response text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.chatModel, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	var content string
	err = withRetry(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("chat request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return &rateLimitError{status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var result chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decoding chat response: %w", err)
		}
		if len(result.Choices) == 0 {
			return fmt.Errorf("chat: empty choices")
		}
		content = result.Choices[0].Message.Content
		return nil
	})
	return content, err
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio bytes to the speech-to-text endpoint and returns
// the transcript. The audio is buffered so rate-limited attempts can be
// replayed.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("reading audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing multipart file: %w", err)
	}
	if err := mw.WriteField("model", c.transcribeModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	var text string
	err = withRetry(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, transcribeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/audio/transcriptions", bytes.NewReader(body.Bytes()))
		if err != nil {
			return fmt.Errorf("creating transcribe request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("transcribe request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return &rateLimitError{status: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("transcribe: unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var result transcribeResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decoding transcribe response: %w", err)
		}
		text = strings.TrimSpace(result.Text)
		return nil
	})
	return text, err
}
