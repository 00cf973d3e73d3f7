// Package voice manages the remote conversational voice-agent session that
// reads announcements aloud.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultAPIBase = "https://api.agora.io/api/conversational-ai-agent/v2"

// agoraClient talks to the conversational-AI agent REST API.
type agoraClient struct {
	base   string
	appID  string
	auth   string // basic credential, already encoded
	client *http.Client
	logger *slog.Logger
}

func newAgoraClient(base, appID, auth string, logger *slog.Logger) *agoraClient {
	if base == "" {
		base = defaultAPIBase
	}
	return &agoraClient{
		base:  base,
		appID: appID,
		auth:  auth,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}
}

// joinRequest is the body of the agent join call.
type joinRequest struct {
	Name       string         `json:"name"`
	Properties joinProperties `json:"properties"`
}

type joinProperties struct {
	Channel          string           `json:"channel"`
	Token            string           `json:"token"`
	AgentRTCUID      string           `json:"agent_rtc_uid"`
	RemoteRTCUIDs    []string         `json:"remote_rtc_uids"`
	IdleTimeout      int              `json:"idle_timeout"`
	AdvancedFeatures advancedFeatures `json:"advanced_features"`
	LLM              llmProperties    `json:"llm"`
	TTS              ttsProperties    `json:"tts"`
	ASR              asrProperties    `json:"asr"`
}

type advancedFeatures struct {
	EnableAIVAD bool `json:"enable_aivad"`
}

type llmProperties struct {
	URL            string            `json:"url"`
	APIKey         string            `json:"api_key"`
	SystemMessages []llmMessage      `json:"system_messages"`
	MaxHistory     int               `json:"max_history"`
	GreetingMsg    string            `json:"greeting_message"`
	FailureMsg     string            `json:"failure_message"`
	Params         map[string]string `json:"params"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ttsProperties struct {
	Vendor string    `json:"vendor"`
	Params ttsParams `json:"params"`
}

type ttsParams struct {
	APIKey string  `json:"api_key"`
	Model  string  `json:"model"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
}

type asrProperties struct {
	Language string `json:"language"`
}

// joinResponse is the remote service's answer to join. Code != 0 is an
// application-level rejection even on HTTP 200.
type joinResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// JoinParams carries everything the join body needs beyond the client's own
// credentials.
type JoinParams struct {
	Channel  string
	Token    string
	AgentUID string
	UserUID  string
	ModelKey string
}

func (c *agoraClient) Join(ctx context.Context, p JoinParams) (*joinResponse, error) {
	body := joinRequest{
		Name: "agent_" + uuid.NewString(),
		Properties: joinProperties{
			Channel:       p.Channel,
			Token:         p.Token,
			AgentRTCUID:   p.AgentUID,
			RemoteRTCUIDs: []string{p.UserUID},
			IdleTimeout:   120,
			AdvancedFeatures: advancedFeatures{
				EnableAIVAD: true,
			},
			LLM: llmProperties{
				URL:    "https://api.openai.com/v1/chat/completions",
				APIKey: p.ModelKey,
				SystemMessages: []llmMessage{
					{Role: "system", Content: "You are a helpful PA system assistant."},
				},
				MaxHistory:  32,
				GreetingMsg: "",
				FailureMsg:  "Please hold on a second.",
				Params:      map[string]string{"model": "gpt-4o-mini"},
			},
			TTS: ttsProperties{
				Vendor: "openai",
				Params: ttsParams{
					APIKey: p.ModelKey,
					Model:  "tts-1",
					Voice:  "alloy",
					Speed:  1.0,
				},
			},
			ASR: asrProperties{
				Language: "en-US",
			},
		},
	}

	var resp joinResponse
	url := fmt.Sprintf("%s/projects/%s/join", c.base, c.appID)
	if err := c.post(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type speakRequest struct {
	Text          string `json:"text"`
	Priority      string `json:"priority"`
	Interruptable bool   `json:"interruptable"`
}

func (c *agoraClient) Speak(ctx context.Context, agentID, text string) error {
	url := fmt.Sprintf("%s/projects/%s/agents/%s/speak", c.base, c.appID, agentID)
	body := speakRequest{
		Text:          text,
		Priority:      "INTERRUPT",
		Interruptable: false,
	}
	return c.post(ctx, url, body, nil)
}

func (c *agoraClient) Leave(ctx context.Context, agentID string) error {
	url := fmt.Sprintf("%s/projects/%s/agents/%s/leave", c.base, c.appID, agentID)
	return c.post(ctx, url, struct{}{}, nil)
}

func (c *agoraClient) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+c.auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent API request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr joinResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("agent API error (status %d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("agent API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
