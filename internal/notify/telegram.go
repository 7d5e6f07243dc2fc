// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package notify delivers escalation messages to the human operator through
// the Telegram bot API. Delivery is best-effort by contract: a Telegram
// failure never blocks recovery or logging, and the intervention log remains
// the source of record.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// maxMessageLen is Telegram's hard per-message limit in UTF-8 chars.
	maxMessageLen = 4096
	defaultAPIURL = "https://api.telegram.org"
	chunkPause    = 300 * time.Millisecond
)

// Telegram sends HTML-formatted messages to a fixed chat.
type Telegram struct {
	token  string
	chatID string
	apiURL string
	httpc  *http.Client
	pause  time.Duration
}

// New returns a Telegram sender. Empty token or chat id yields a disabled
// sender whose Send is a silent no-op.
func New(token, chatID string, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Telegram{
		token:  token,
		chatID: chatID,
		apiURL: defaultAPIURL,
		httpc:  &http.Client{Timeout: timeout},
		pause:  chunkPause,
	}
}

// Enabled reports whether credentials are configured.
func (t *Telegram) Enabled() bool { return t != nil && t.token != "" && t.chatID != "" }

// EscapeHTML escapes dynamic text for Telegram's HTML parse mode.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Send delivers text, splitting bodies over 4096 chars at newline boundaries
// and sending the chunks sequentially with a short pause between them.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}

	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.pause):
			}
		}
		if err := t.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) sendChunk(ctx context.Context, text string) error {
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "HTML")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)

	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("failed to create telegram request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("telegram request failed: %w", err)
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := gjson.GetBytes(body, "parameters.retry_after").Int()
			if retryAfter <= 0 {
				retryAfter = 1
			}
			log.Warnf("telegram rate limited, retrying in %ds", retryAfter)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(retryAfter) * time.Second):
			}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Non-429 client errors are logged and swallowed per contract.
			log.Errorf("telegram rejected message with status %d: %s", resp.StatusCode, truncate(string(body), 200))
			return nil
		default:
			log.Warnf("telegram returned status %d, retrying", resp.StatusCode)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	return fmt.Errorf("telegram delivery failed after retries")
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return chunks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
