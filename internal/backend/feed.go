// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// =============================================================================
// CHANGE-FEED TYPES
// =============================================================================

// MaxEventSize is the maximum allowed size for a single feed event (256KB).
const MaxEventSize = 256 * 1024

// RawEvent is one change-feed frame as delivered by the backend, before
// normalization. Payload carries the full current entity, not a diff.
type RawEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses server-sent events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event from the stream and returns its data
// payload. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxEventSize {
				return nil, fmt.Errorf("feed event too large: %d bytes", size)
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments).
	}
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// SubscribeFeed opens the change-feed and returns a channel of raw events.
//
// The returned channel is closed when the stream ends for any reason:
// context cancellation, server close, or a read error. The feed is lazy,
// infinite, and non-restartable; callers that want the stream back open a
// new subscription. A connect failure is reported synchronously.
func (c *Client) SubscribeFeed(ctx context.Context) (<-chan RawEvent, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/feed", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxEventSize))
		resp.Body.Close()
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	events := make(chan RawEvent, 64)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		reader := NewSSEReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			data, err := reader.ReadEvent()
			if err != nil {
				// EOF and read errors both end the subscription; the
				// consumer reconnects with backoff.
				return
			}

			var ev RawEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				// Malformed frames are dropped; the stream stays up.
				log.Printf("WARNING: dropping malformed feed frame: %v", err)
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
