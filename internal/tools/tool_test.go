package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/steward/internal/plan"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindRateLimited, Classify(Transient(KindRateLimited, errors.New("slow down"))))
	assert.Equal(t, KindTransientIO, Classify(Transient(KindTerminal, errors.New("coerced"))))
	assert.Equal(t, KindTerminal, Classify(errors.New("boom")))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindCancelled, Classify(ErrCancelled))
	assert.Equal(t, Kind(""), Classify(nil))

	err := fmt.Errorf("step: %w", Transient(KindTimeout, errors.New("t")))
	assert.ErrorIs(t, err, ErrTransient)
	assert.NotErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, Terminal(errors.New("x")), ErrTerminal)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewWorkspaceHandler(t.TempDir()))
	r.Register(NewSearchHandlerWith(fakeSearcher{}))

	h, err := r.Get("workspace")
	require.NoError(t, err)
	assert.Equal(t, "workspace", h.Name())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownTool)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "search", list[0].Name())
}

func TestExecutionContextCancelled(t *testing.T) {
	assert.False(t, ExecutionContext{}.Cancelled())
	stop := make(chan struct{})
	ec := ExecutionContext{Stop: stop}
	assert.False(t, ec.Cancelled())
	close(stop)
	assert.True(t, ec.Cancelled())
}

func TestWorkspaceHandler(t *testing.T) {
	h := NewWorkspaceHandler(t.TempDir())
	ctx := context.Background()
	ec := ExecutionContext{
		UserID:      "u1",
		WorkspaceID: "ws1",
		Outputs:     map[string]json.RawMessage{"calc": json.RawMessage(`{"npv":1}`)},
	}

	out, err := h.Execute(ctx, plan.Step{ToolID: "workspace", Action: "write", Args: json.RawMessage(`{"filename":"reports/npv.json","from_step":"calc"}`)}, ec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"reports/npv.json","bytes":9}`, string(out))

	out, err = h.Execute(ctx, plan.Step{ToolID: "workspace", Action: "read", Args: json.RawMessage(`{"filename":"reports/npv.json"}`)}, ec)
	require.NoError(t, err)
	assert.Contains(t, string(out), `npv`)

	out, err = h.Execute(ctx, plan.Step{ToolID: "workspace", Action: "list", Args: json.RawMessage(`{"filename":"reports"}`)}, ec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"reports","entries":["npv.json"]}`, string(out))

	_, err = h.Execute(ctx, plan.Step{ToolID: "workspace", Action: "read", Args: json.RawMessage(`{"filename":"../../etc/passwd"}`)}, ec)
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = h.Execute(ctx, plan.Step{ToolID: "workspace", Action: "write", Args: json.RawMessage(`{"filename":"x","from_step":"missing"}`)}, ec)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestScraperHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			fmt.Fprint(w, `<html><head><title>Parcel 42</title></head><body><article><h1>Parcel 42</h1>
<p>The parcel is zoned for mixed use and measures roughly two acres along the river.</p>
<p>Asking price has been reduced twice this year and utilities are available at the street.</p>
</article></body></html>`)
		}
	}))
	defer srv.Close()

	h := NewScraperHandler()
	step := func(path string) plan.Step {
		return plan.Step{ToolID: "scraper", Action: "fetch", Args: json.RawMessage(`{"url":"` + srv.URL + path + `"}`)}
	}

	out, err := h.Execute(context.Background(), step("/listing"), ExecutionContext{})
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Contains(t, res["content"], "mixed use")

	_, err = h.Execute(context.Background(), step("/busy"), ExecutionContext{})
	assert.Equal(t, KindRateLimited, Classify(err))

	_, err = h.Execute(context.Background(), step("/gone"), ExecutionContext{})
	assert.Equal(t, KindTerminal, Classify(err))
}

type fakeSearcher struct{ err error }

func (f fakeSearcher) Call(_ context.Context, input string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "results for " + input, nil
}

func TestSearchHandler(t *testing.T) {
	h := NewSearchHandlerWith(fakeSearcher{})
	out, err := h.Execute(context.Background(), plan.Step{ToolID: "search", Action: "query", Args: json.RawMessage(`{"query":"zoning"}`)}, ExecutionContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"zoning","results":"results for zoning"}`, string(out))

	h = NewSearchHandlerWith(fakeSearcher{err: errors.New("rate limit exceeded")})
	_, err = h.Execute(context.Background(), plan.Step{ToolID: "search", Action: "query", Args: json.RawMessage(`{"query":"zoning"}`)}, ExecutionContext{})
	assert.Equal(t, KindRateLimited, Classify(err))

	_, err = h.Execute(context.Background(), plan.Step{ToolID: "search", Action: "query"}, ExecutionContext{})
	assert.ErrorIs(t, err, ErrTerminal)
}
