/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicSDKProvider calls the Anthropic Messages API through the
// official SDK instead of hand-rolled HTTP, for callers (the brain
// adapter's real-provider mode) that want retry/backoff and request
// signing handled by the vendor client rather than reimplemented here.
type AnthropicSDKProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicSDKProvider creates a provider backed by
// github.com/anthropics/anthropic-sdk-go.
func NewAnthropicSDKProvider(cfg ProviderConfig) (*AnthropicSDKProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic sdk provider requires API key")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	for k, v := range cfg.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicSDKProvider{client: &client, model: cfg.Model}, nil
}

func (p *AnthropicSDKProvider) Name() string { return "anthropic-sdk" }

func (p *AnthropicSDKProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		switch msg.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic sdk request: %w", err)
	}

	resp := &CompletionResponse{
		StopReason: string(msg.StopReason),
		Usage: UsageInfo{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			tc := ToolCall{ID: variant.ID, Name: variant.Name}
			raw, _ := json.Marshal(variant.Input)
			tc.RawArgs = string(raw)
			_ = json.Unmarshal(raw, &tc.Args)
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	return resp, nil
}
