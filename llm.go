package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

// maxModelBatchSize bounds how many units share one model call.
const maxModelBatchSize = 10

const maxContentChars = 600

// errInvalidResponse marks a malformed or out-of-contract model response.
// Never retried: a retry is unlikely to fix a malformed response.
var errInvalidResponse = errors.New("invalid model response")

type modelClassifiedItem struct {
	ItemID     string  `json:"item_id"`
	State      string  `json:"state"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// modelDecision is the per-unit verdict parsed from a model response.
type modelDecision struct {
	State      ProgressState
	Confidence float64
	Reasoning  string
	ModelUsed  string
}

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// modelClassifyFn is the model-path contract the router depends on; tests
// substitute stubs for it.
type modelClassifyFn func(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error)

// ClassifyWithModel sends one structured prompt for a batch of units and
// parses the constrained JSON response. A unit missing from the response
// or carrying an out-of-enum state is dropped from the result (the caller
// falls back to its heuristic score for that unit only). Token usage is
// what the provider reported, not an estimate.
func ClassifyWithModel(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error) {
	if len(batch) == 0 {
		return nil, LLMUsage{}, nil
	}
	if len(batch) > maxModelBatchSize {
		return nil, LLMUsage{}, fmt.Errorf("batch of %d exceeds model batch limit %d", len(batch), maxModelBatchSize)
	}

	systemPrompt, userPrompt := buildClassifyPrompts(batch)

	var responseText string
	var usage LLMUsage
	var err error
	var model string

	switch cfg.LLMProvider {
	case "openai":
		model = cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm classify provider=openai model=%s units=%d", model, len(batch))
		responseText, usage, err = callOpenAI(ctx, cfg.OpenAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model = cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm classify provider=anthropic model=%s units=%d", model, len(batch))
		responseText, usage, err = callAnthropic(ctx, cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	}
	if err != nil {
		return nil, usage, err
	}

	decisions, err := parseClassifyResponse(responseText, model)
	if err != nil {
		return nil, usage, err
	}
	return decisions, usage, nil
}

func buildClassifyPrompts(batch []unitEvidence) (string, string) {
	systemPrompt := `You infer the work-progress state of work items from evidence signals extracted across sources (email, chat, commits, tickets).
Choose exactly one state for each item from:
- not-started: no meaningful evidence the work has begun
- in-progress: someone is actively working on it
- blocked: the work is waiting on something or someone
- done: the work is finished (merged, resolved, deployed)
- stale: the work apparently started but has gone quiet

Weigh signals by weight, recency and source; version-control commits are more reliable than free text. Completion evidence outranks weaker conflicting signals.
Set confidence between 0 and 1 and give a one-sentence reasoning per item.

Respond with JSON only (no markdown):
[{"item_id": "a1b2", "state": "in-progress", "confidence": 0.72, "reasoning": "..."}, ...]`

	var sb strings.Builder
	for _, u := range batch {
		sb.WriteString(fmt.Sprintf("ITEM %s\ntitle: %s\n", u.Item.ID, strings.TrimSpace(u.Item.Title)))
		content := strings.TrimSpace(u.Item.Content)
		if len(content) > maxContentChars {
			content = content[:maxContentChars] + "..."
		}
		if content != "" {
			sb.WriteString("content: " + content + "\n")
		}
		if len(u.Signals) == 0 {
			sb.WriteString("signals: none\n")
		} else {
			sb.WriteString("signals:\n")
			for _, s := range u.Signals {
				sb.WriteString(fmt.Sprintf("- %s|%s|%.2f|%s|%q\n",
					s.Type, s.Source, s.Weight, signalAge(s.DetectedAt), s.Context))
			}
		}
		sb.WriteString("\n")
	}

	userPrompt := "Classify these work items:\n\n" + sb.String()
	return systemPrompt, userPrompt
}

func signalAge(detectedAt time.Time) string {
	if detectedAt.IsZero() {
		return "unknown"
	}
	age := time.Since(detectedAt)
	switch {
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 48*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

func parseClassifyResponse(responseText, model string) (map[string]modelDecision, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var classified []modelClassifiedItem
	if err := json.Unmarshal([]byte(responseText), &classified); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(responseText))
		}
		return nil, fmt.Errorf("%w: parsing classify response: %v (truncated response: %s)", errInvalidResponse, err, truncated)
	}

	decisions := make(map[string]modelDecision, len(classified))
	for _, c := range classified {
		state, err := ParseProgressState(c.State)
		if err != nil {
			// Out-of-enum state rejects this unit only, not the batch.
			log.Printf("llm classify rejected item=%s state=%q: %v", c.ItemID, c.State, err)
			continue
		}
		decisions[strings.TrimSpace(c.ItemID)] = modelDecision{
			State:      state,
			Confidence: clampConfidence(c.Confidence),
			Reasoning:  strings.TrimSpace(c.Reasoning),
			ModelUsed:  model,
		}
	}
	return decisions, nil
}

// resolvedModelName is the identifier recorded in scores and the cost log.
func resolvedModelName(cfg Config) string {
	if cfg.LLMModel != "" {
		return cfg.LLMModel
	}
	if cfg.LLMProvider == "openai" {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

// --- Anthropic ---

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(anthropicoption.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("%w: no text content in Anthropic response", errInvalidResponse)
}

// --- OpenAI ---

func callOpenAI(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := openai.NewClient(openaioption.WithAPIKey(apiKey))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", LLMUsage{}, fmt.Errorf("%w: no choices in OpenAI response", errInvalidResponse)
	}
	usage := LLMUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(resp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return resp.Choices[0].Message.Content, usage, nil
}

// --- Error taxonomy ---

// isTransientProviderError reports whether a provider failure is worth
// retrying: rate limits, overload, 5xx, network flaps. Auth/config errors
// and response-shape errors are not.
func isTransientProviderError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errInvalidResponse) {
		return false
	}
	if isAuthProviderError(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests",
		"500", "502", "503", "504",
		"overloaded", "internal server error", "service unavailable", "server_error",
		"timeout", "deadline exceeded", "connection reset", "connection refused", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isAuthProviderError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "authentication", "invalid x-api-key", "invalid api key", "permission"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
