package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/tools"
)

const templatesYAML = `
intents:
  - name: feasibility
    keywords: [feasibility, sensitivity]
    title: Feasibility with sensitivity
    estimated_duration: 2m
    estimated_cost: 0.4
    assumptions:
      - text: Construction costs from the latest index
        confidence: medium
        source: cost_index
    risks:
      - text: Interest rates may shift
        severity: medium
    steps:
      - tool: feasibility
        action: run_sensitivity
        description: Run the model with sensitivity bands
        args:
          request: "{{request}}"
          bands: [5, 10]
      - tool: workspace
        action: write
        description: Save the results
        required_role: editor
        args:
          filename: feasibility.json
          from_step: step_1
  - name: research
    keywords: [research]
    steps:
      - tool: search
        action: query
        description: Search the web
        args:
          query: "{{request}}"
`

func writeTemplates(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTemplateDrafter(t *testing.T) {
	d, err := NewTemplateDrafter(writeTemplates(t, templatesYAML), nil)
	require.NoError(t, err)
	require.Len(t, d.Templates(), 2)

	p, err := d.Draft(context.Background(), Request{Text: "Run feasibility with sensitivity ±5/±10"})
	require.NoError(t, err)
	assert.Equal(t, "Feasibility with sensitivity", p.Title)
	assert.Equal(t, 2*time.Minute, p.EstimatedDuration)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "step_1", p.Steps[0].ID)
	assert.Equal(t, "run_sensitivity", p.Steps[0].Action)
	assert.JSONEq(t, `{"request":"Run feasibility with sensitivity ±5/±10","bands":[5,10]}`, string(p.Steps[0].Args))
	assert.Equal(t, "editor", p.Steps[1].RequiredRole)
	assert.Equal(t, plan.ConfidenceMedium, p.Assumptions[0].Confidence)
	assert.NotEmpty(t, p.ID)

	p2, err := d.Draft(context.Background(), Request{Text: "feasibility please"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, p2.ID)

	_, err = d.Draft(context.Background(), Request{Text: "order a pizza"})
	assert.ErrorIs(t, err, ErrUnsupportedIntent)
}

func TestTemplateDrafterRejectsBadFile(t *testing.T) {
	_, err := NewTemplateDrafter(writeTemplates(t, "intents:\n  - name: empty\n"), nil)
	assert.Error(t, err)

	path := writeTemplates(t, templatesYAML)
	d, err := NewTemplateDrafter(path, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("intents: [::"), 0o644))
	assert.Error(t, d.Load())
	assert.Len(t, d.Templates(), 2, "previous templates are kept")
}

func TestTemplateDrafterWatch(t *testing.T) {
	path := writeTemplates(t, templatesYAML)
	d, err := NewTemplateDrafter(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := templatesYAML + `
  - name: listing
    keywords: [listing]
    steps:
      - tool: scraper
        action: fetch
        description: Fetch the listing
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	assert.Eventually(t, func() bool { return len(d.Templates()) == 3 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

type stubDrafter struct {
	p   *plan.Plan
	err error
}

func (s stubDrafter) Draft(context.Context, Request) (*plan.Plan, error) { return s.p, s.err }

func TestChain(t *testing.T) {
	want := &plan.Plan{ID: "plan_x"}
	c := NewChain(nil,
		stubDrafter{err: ErrUnsupportedIntent},
		stubDrafter{err: errors.New("model offline")},
		stubDrafter{p: want},
	)
	got, err := c.Draft(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Same(t, want, got)

	c = NewChain(nil, stubDrafter{err: ErrUnsupportedIntent}, stubDrafter{err: errors.New("model offline")})
	_, err = c.Draft(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedIntent)

	_, err = NewChain(nil).Draft(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedIntent)
}

// fakeModel answers every call with a fixed choice.
type fakeModel struct {
	choice   *llms.ContentChoice
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{m.choice}}, nil
}

func (m *fakeModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return m.choice.Content, nil
}

type namedHandler struct{ name string }

func (h namedHandler) Name() string               { return h.name }
func (h namedHandler) Description() string        { return "does " + h.name }
func (h namedHandler) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (h namedHandler) Execute(context.Context, plan.Step, tools.ExecutionContext) (json.RawMessage, error) {
	return nil, nil
}

func newPlanner(t *testing.T, choice *llms.ContentChoice) (*PlannerBrain, *fakeModel, *store.MemoryStore) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planner.md"), []byte("You draft plans."), 0o644))
	reg := tools.NewRegistry()
	reg.Register(namedHandler{"search"})
	reg.Register(namedHandler{"workspace"})
	model := &fakeModel{choice: choice}
	mem := store.NewMemoryStore()
	return NewPlannerBrain(model, reg, mem, NewPromptManager(dir), nil), model, mem
}

func TestPlannerBrainDraft(t *testing.T) {
	args := `{"title":"Zoning research","steps":[
		{"tool":"search","action":"query","description":"Look up zoning","args":{"query":"parcel 42 zoning"}},
		{"tool":"workspace","action":"write","description":"Save notes","required_role":"editor","args":{"filename":"notes.json","from_step":"step_1"}}
	],"assumptions":[{"text":"Public records are current","confidence":"low"}],"estimated_minutes":1.5}`
	b, model, mem := newPlanner(t, &llms.ContentChoice{ToolCalls: []llms.ToolCall{{
		ID:           "call_1",
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: proposePlanTool, Arguments: args},
	}}})

	p, err := b.Draft(context.Background(), Request{Text: "research zoning for parcel 42", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Zoning research", p.Title)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "search", p.Steps[0].ToolID)
	assert.Equal(t, 2, p.Steps[1].Order)
	assert.Equal(t, 90*time.Second, p.EstimatedDuration)

	require.NotEmpty(t, model.messages)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)

	history, err := mem.GetHistory("u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPlannerBrainDeclines(t *testing.T) {
	b, _, _ := newPlanner(t, &llms.ContentChoice{Content: "I can't help with that."})
	_, err := b.Draft(context.Background(), Request{Text: "order a pizza"})
	assert.ErrorIs(t, err, ErrUnsupportedIntent)

	b, _, _ = newPlanner(t, &llms.ContentChoice{ToolCalls: []llms.ToolCall{{
		FunctionCall: &llms.FunctionCall{Name: proposePlanTool, Arguments: `{"title":"x","steps":[{"tool":"rocket","action":"launch","description":"no"}]}`},
	}}})
	_, err = b.Draft(context.Background(), Request{Text: "launch"})
	assert.ErrorIs(t, err, ErrUnsupportedIntent)
}
