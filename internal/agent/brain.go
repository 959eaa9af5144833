package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/tools"
)

const proposePlanTool = "propose_plan"

// PlannerBrain drafts plans by asking a language model to call propose_plan
// with the steps it would run against the registered tools.
type PlannerBrain struct {
	Model    llms.Model
	Registry *tools.Registry
	History  store.HistoryStore
	Prompts  *PromptManager
	Logger   *slog.Logger

	// HistoryLimit caps how many earlier turns are sent with the request.
	HistoryLimit int
}

func NewPlannerBrain(model llms.Model, registry *tools.Registry, history store.HistoryStore, prompts *PromptManager, logger *slog.Logger) *PlannerBrain {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlannerBrain{
		Model:        model,
		Registry:     registry,
		History:      history,
		Prompts:      prompts,
		Logger:       logger.With("component", "planner"),
		HistoryLimit: 5,
	}
}

// proposal mirrors the propose_plan tool schema.
type proposal struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Steps       []struct {
		ID           string          `json:"id"`
		Tool         string          `json:"tool"`
		Action       string          `json:"action"`
		Description  string          `json:"description"`
		Args         json.RawMessage `json:"args"`
		RequiredRole string          `json:"required_role"`
	} `json:"steps"`
	Assumptions      []plan.Assumption `json:"assumptions"`
	Risks            []plan.Risk       `json:"risks"`
	Missing          []string          `json:"missing"`
	EstimatedMinutes float64           `json:"estimated_minutes"`
	EstimatedCost    float64           `json:"estimated_cost"`
}

func (b *PlannerBrain) Draft(ctx context.Context, req Request) (*plan.Plan, error) {
	// 1. Build the system prompt
	systemPrompt, err := b.systemPrompt()
	if err != nil {
		return nil, err
	}

	// 2. Load history (for context)
	chatID := req.ChatID
	if chatID == "" {
		chatID = req.UserID
	}
	var messages []llms.MessageContent
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
	})
	if b.History != nil && chatID != "" {
		history, err := b.History.GetHistory(chatID, b.HistoryLimit)
		if err != nil {
			b.Logger.Warn("failed to load history", "chat_id", chatID, "error", err)
		}
		messages = append(messages, history...)
	}
	for _, turn := range req.History {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(turn)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Text)},
	})

	// 3. Ask for a plan
	resp, err := b.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools()))
	if err != nil {
		return nil, fmt.Errorf("planner model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner model returned no choices")
	}
	choice := resp.Choices[0]

	var prop *proposal
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != proposePlanTool {
			continue
		}
		prop = &proposal{}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), prop); err != nil {
			return nil, fmt.Errorf("failed to parse propose_plan arguments: %v", err)
		}
		break
	}
	if prop == nil || len(prop.Steps) == 0 {
		b.Logger.Info("planner declined", "reply", truncate(choice.Content, 200))
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedIntent, truncate(choice.Content, 200))
	}

	// 4. Convert and check against the registry
	p, err := b.toPlan(prop)
	if err != nil {
		return nil, err
	}

	if b.History != nil && chatID != "" {
		if err := b.History.AddMessage(chatID, "human", req.Text); err != nil {
			b.Logger.Warn("failed to save history", "error", err)
		}
		if err := b.History.AddMessage(chatID, "ai", "Proposed plan: "+p.Title); err != nil {
			b.Logger.Warn("failed to save history", "error", err)
		}
	}
	return p, nil
}

func (b *PlannerBrain) systemPrompt() (string, error) {
	plannerPrompt, err := b.Prompts.Compose()
	if err != nil {
		return "", fmt.Errorf("failed to load planner prompt: %w", err)
	}

	var toolDescriptions []string
	for _, t := range b.Registry.List() {
		params, _ := json.Marshal(t.Parameters())
		toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s\n  args: %s", t.Name(), t.Description(), params))
	}
	return fmt.Sprintf("%s\n\n## Available Tools:\n%s", plannerPrompt, strings.Join(toolDescriptions, "\n")), nil
}

func (b *PlannerBrain) toPlan(prop *proposal) (*plan.Plan, error) {
	p := &plan.Plan{
		Title:             prop.Title,
		Description:       prop.Description,
		Assumptions:       prop.Assumptions,
		Risks:             prop.Risks,
		Missing:           prop.Missing,
		EstimatedDuration: time.Duration(prop.EstimatedMinutes * float64(time.Minute)),
		EstimatedCost:     prop.EstimatedCost,
	}
	for i, s := range prop.Steps {
		if _, err := b.Registry.Get(s.Tool); err != nil {
			return nil, fmt.Errorf("%w: step %d uses %v", ErrUnsupportedIntent, i+1, err)
		}
		p.Steps = append(p.Steps, plan.Step{
			ID:           s.ID,
			ToolID:       s.Tool,
			Action:       s.Action,
			Description:  s.Description,
			Args:         s.Args,
			RequiredRole: s.RequiredRole,
			Order:        i + 1,
		})
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("planner produced an invalid plan: %w", err)
	}
	return p, nil
}

func plannerTools() []llms.Tool {
	str := map[string]any{"type": "string"}
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        proposePlanTool,
				Description: "Submit a structured plan of ordered tool steps for the user's request.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":       str,
						"description": str,
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"id":            str,
									"tool":          str,
									"action":        str,
									"description":   str,
									"args":          map[string]any{"type": "object"},
									"required_role": str,
								},
								"required": []string{"tool", "action", "description"},
							},
						},
						"assumptions": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"text":       str,
									"confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
									"source":     str,
								},
							},
						},
						"risks": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":       "object",
								"properties": map[string]any{"text": str, "severity": str},
							},
						},
						"missing":           map[string]any{"type": "array", "items": str},
						"estimated_minutes": map[string]any{"type": "number"},
						"estimated_cost":    map[string]any{"type": "number"},
					},
					"required": []string{"title", "steps"},
				},
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
