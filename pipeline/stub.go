package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// StubModel is a deterministic LanguageModel for tests and dry runs. Intent
// is judged by keyword matching; plans, queries, and answers are templated
// from the question. Zero-value usable; error fields inject failures.
type StubModel struct {
	ValidateErr error
	PlanErr     error
	SQLErr      error
	AnalyzeErr  error
}

// dataKeywords mark questions answerable from a sales warehouse
var dataKeywords = []string{
	"pedidos", "vendas", "clientes", "faturamento", "produtos",
	"orders", "sales", "customers", "revenue", "products",
	"quantos", "quantas", "how many", "total",
}

// offTopicKeywords mark questions that only look data-shaped
var offTopicKeywords = []string{
	"bolo", "cake", "recipe", "receita de",
}

func (m *StubModel) ValidateIntent(ctx context.Context, question string) (bool, string, error) {
	if m.ValidateErr != nil {
		return false, "", m.ValidateErr
	}
	q := strings.ToLower(question)
	for _, kw := range offTopicKeywords {
		if strings.Contains(q, kw) {
			return false, "the question is not about the available business data", nil
		}
	}
	for _, kw := range dataKeywords {
		if strings.Contains(q, kw) {
			return true, "", nil
		}
	}
	return false, "no recognizable metric or entity in the question", nil
}

func (m *StubModel) BuildPlan(ctx context.Context, question string) (string, error) {
	if m.PlanErr != nil {
		return "", m.PlanErr
	}
	return fmt.Sprintf("1. Identify the metric asked by %q\n2. Query the matching warehouse table\n3. Aggregate and present the result", question), nil
}

func (m *StubModel) GenerateSQL(ctx context.Context, question, plan string) (string, error) {
	if m.SQLErr != nil {
		return "", m.SQLErr
	}
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "pedidos") || strings.Contains(q, "orders"):
		return "SELECT COUNT(*) AS total FROM orders WHERE created_at >= CURRENT_DATE", nil
	case strings.Contains(q, "clientes") || strings.Contains(q, "customers"):
		return "SELECT COUNT(*) AS total FROM customers", nil
	default:
		return "SELECT COUNT(*) AS total FROM sales WHERE created_at >= CURRENT_DATE", nil
	}
}

func (m *StubModel) Analyze(ctx context.Context, question string, rows []map[string]interface{}) (string, error) {
	if m.AnalyzeErr != nil {
		return "", m.AnalyzeErr
	}
	if len(rows) == 1 {
		if total, ok := rows[0]["total"]; ok {
			return fmt.Sprintf("The answer to %q is %v.", question, total), nil
		}
	}
	return fmt.Sprintf("The query for %q returned %d row(s).", question, len(rows)), nil
}

// StubWarehouse is a canned-rows Warehouse for tests and dry runs
type StubWarehouse struct {
	Rows []map[string]interface{}
	Err  error
}

func (w *StubWarehouse) Query(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	if w.Err != nil {
		return nil, w.Err
	}
	if w.Rows != nil {
		return w.Rows, nil
	}
	return []map[string]interface{}{{"total": 42}}, nil
}
