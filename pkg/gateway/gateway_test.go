package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/gateway/providers"
)

var errProviderDown = errors.New("provider unreachable")

type fakeLLM struct {
	resp *providers.CompletionResponse
	err  error
}

func (f *fakeLLM) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestGateway(t *testing.T, st store.Store, llm providers.LLMProvider) *Gateway {
	t.Helper()
	rc := NewDefaultRateCard()
	limiter := NewMemoryRateLimiter()
	return New(st, rc, limiter, nil, map[string]providers.LLMProvider{"anthropic": llm}, nil, nil, DefaultConfig(), nil)
}

func seedExecutionAndBudget(t *testing.T, st store.Store, userID string, perCallCap, periodCap decimal.Decimal) *store.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := st.Repos().Executions().Create(ctx, &store.Execution{UserID: userID, Operation: "execute", State: store.ExecutionRunning})
	require.NoError(t, err)

	budget, err := st.Repos().UserBudgets().GetOrCreate(ctx, userID)
	require.NoError(t, err)
	budget.PerCallCap = perCallCap
	budget.PeriodCap = periodCap
	_, err = st.Repos().UserBudgets().Update(ctx, budget)
	require.NoError(t, err)
	return exec
}

func TestCall_HappyPathAppendsUsageAndUpdatesBudget(t *testing.T) {
	st := store.NewFake()
	exec := seedExecutionAndBudget(t, st, "user-1", decimal.NewFromInt(10), decimal.NewFromInt(1000))

	llm := &fakeLLM{resp: &providers.CompletionResponse{Text: "hi", InputTokens: 10, OutputTokens: 20}}
	g := newTestGateway(t, st, llm)

	_, err := g.Call(context.Background(), exec.ID, RequestSpec{Provider: "anthropic", Operation: "completion", Prompt: "hello", MaxTokens: 50})
	require.NoError(t, err)

	rows, err := st.Repos().UsageRows().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Cost.GreaterThan(decimal.Zero))

	budget, err := st.Repos().UserBudgets().GetOrCreate(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, budget.WindowSpend.Equal(rows[0].Cost))
}

func TestCall_PerCallCapExceededFailsBeforeInvoking(t *testing.T) {
	st := store.NewFake()
	exec := seedExecutionAndBudget(t, st, "user-2", decimal.NewFromFloat(0.00001), decimal.NewFromInt(1000))

	llm := &fakeLLM{resp: &providers.CompletionResponse{Text: "hi", InputTokens: 10, OutputTokens: 20}}
	g := newTestGateway(t, st, llm)

	_, err := g.Call(context.Background(), exec.ID, RequestSpec{Provider: "anthropic", Operation: "completion", Prompt: "hello", MaxTokens: 1_000_000})
	require.Error(t, err)

	rows, err := st.Repos().UsageRows().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCall_ProviderFailureWritesNoUsageRow(t *testing.T) {
	st := store.NewFake()
	exec := seedExecutionAndBudget(t, st, "user-3", decimal.NewFromInt(10), decimal.NewFromInt(1000))

	llm := &fakeLLM{err: errProviderDown}
	g := newTestGateway(t, st, llm)

	_, err := g.Call(context.Background(), exec.ID, RequestSpec{Provider: "anthropic", Operation: "completion", Prompt: "hello", MaxTokens: 50})
	require.Error(t, err)

	rows, err := st.Repos().UsageRows().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCall_ByokWithoutCredentialFailsHard(t *testing.T) {
	st := store.NewFake()
	exec := seedExecutionAndBudget(t, st, "user-4", decimal.NewFromInt(10), decimal.NewFromInt(1000))

	llm := &fakeLLM{resp: &providers.CompletionResponse{Text: "hi", InputTokens: 1, OutputTokens: 1}}
	g := newTestGateway(t, st, llm)

	_, err := g.Call(context.Background(), exec.ID, RequestSpec{Provider: "anthropic", Operation: "completion", Prompt: "hi", MaxTokens: 5, UseBYOK: true})
	require.Error(t, err)
}
