// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides the client-side components of the Briefwise CLI.
//
// This file contains the interactive chat client that drives the
// streaming chat endpoint from a terminal session.
package ux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// Chat Client
// =============================================================================

// ChatConfig configures a ChatClient.
type ChatConfig struct {
	// BaseURL is the service root, e.g. "http://localhost:8080".
	BaseURL string

	// Token is the bearer token sent on every request. Optional when
	// the service runs with the pass-through auth provider.
	Token string

	// Timeout bounds a single chat exchange. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration

	// VerifyIntegrity enables client-side hash chain verification of
	// each completed stream.
	VerifyIntegrity bool
}

// ChatClient holds one interactive conversation with the service.
//
// # Thread Safety
//
// ChatClient is not safe for concurrent use; it tracks the active
// conversation across sequential exchanges.
type ChatClient struct {
	config   ChatConfig
	http     *http.Client
	reader   StreamReader
	verifier *ChainVerifier

	// conversationID is assigned by the server on the first exchange
	// and reused on subsequent turns.
	conversationID string
}

// NewChatClient creates a chat client for the given service.
func NewChatClient(config ChatConfig) *ChatClient {
	return &ChatClient{
		config:   config,
		http:     &http.Client{},
		reader:   NewStreamReader(),
		verifier: NewChainVerifier(),
	}
}

// ConversationID returns the active conversation ID, empty before the
// first successful exchange.
func (c *ChatClient) ConversationID() string {
	return c.conversationID
}

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Send submits one message and streams the response, writing chunk
// text to out as it arrives. Returns the aggregated result.
//
// Non-streaming rejections (rate limit, quota, guardrail) surface as
// errors carrying the server's message.
func (c *ChatClient) Send(ctx context.Context, content string, out io.Writer) (*StreamResult, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		ConversationID: c.conversationID,
		Content:        content,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("request rejected (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("request rejected with status %d", resp.StatusCode)
	}

	if id := resp.Header.Get("X-Conversation-Id"); id != "" {
		c.conversationID = id
	}

	result := &StreamResult{}
	var answer strings.Builder
	err = c.reader.Read(ctx, resp.Body, func(frame Frame) error {
		result.Frames = append(result.Frames, frame)
		switch frame.Type {
		case FrameChunk:
			if result.FirstChunkAt == 0 {
				result.FirstChunkAt = time.Now().UnixMilli()
			}
			answer.WriteString(frame.Text)
			if out != nil {
				fmt.Fprint(out, frame.Text)
			}
		case FrameDone:
			result.Usage = frame.Usage
			result.CompletedAt = time.Now().UnixMilli()
		case FrameError:
			result.Error = frame.Message
			result.CompletedAt = time.Now().UnixMilli()
		}
		return nil
	})
	result.Answer = answer.String()
	if err != nil {
		return result, err
	}

	if c.config.VerifyIntegrity {
		if vr := c.verifier.VerifyChain(result.Frames); !vr.Valid {
			return result, fmt.Errorf("stream integrity check failed at frame %d: %s",
				vr.FailedIndex, vr.Reason)
		}
	}
	return result, nil
}

// =============================================================================
// Interactive Loop
// =============================================================================

// RunInteractive reads messages from in and prints streamed answers to
// out until EOF or a "/quit" command.
func (c *ChatClient) RunInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Briefwise counsel. Type a question, /new for a fresh conversation, /quit to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			c.conversationID = ""
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		result, err := c.Send(ctx, line, out)
		if err != nil {
			fmt.Fprintf(out, "\nerror: %v\n", err)
			continue
		}
		fmt.Fprintln(out)
		if result.Error != "" {
			fmt.Fprintf(out, "error: %s\n", result.Error)
			continue
		}
		if result.Usage != nil {
			fmt.Fprintf(out, "[%d tokens]\n", result.Usage.TotalTokenCount)
		}
	}
}
