package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NtfyChannel 通过ntfy HTTP推送告警
type NtfyChannel struct {
	BaseURL    string
	Topic      string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewNtfyChannel 创建ntfy通道
func NewNtfyChannel(baseURL, topic, token string) *NtfyChannel {
	return &NtfyChannel{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Topic:      topic,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Timeout:    5 * time.Second,
	}
}

func (c *NtfyChannel) Name() string { return "ntfy" }

// Send 以纯文本POST到 {BaseURL}/{Topic}
func (c *NtfyChannel) Send(alert Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+c.Topic, strings.NewReader(formatBody(alert)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if alert.Title != "" {
		req.Header.Set("Title", alert.Title)
	}
	if alert.Priority != "" {
		req.Header.Set("Priority", alert.Priority)
	}
	if len(alert.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(alert.Tags, ","))
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy status %d", resp.StatusCode)
	}
	return nil
}
