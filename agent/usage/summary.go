package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

type GroupBy string

const (
	GroupByPayer  GroupBy = "payer"
	GroupByAction GroupBy = "action"
	GroupByModel  GroupBy = "model"
	GroupByUser   GroupBy = "user"
)

var groupExpr = map[GroupBy]string{
	GroupByPayer:  "payer_kind || ':' || payer_id",
	GroupByAction: "action_verb",
	GroupByModel:  "model",
	GroupByUser:   "user_id",
}

// Totals aggregates records over a window.
type Totals struct {
	Records      int   `bun:"records" json:"records"`
	InputTokens  int64 `bun:"input_tokens" json:"input_tokens"`
	OutputTokens int64 `bun:"output_tokens" json:"output_tokens"`
}

func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

type SummaryRow struct {
	Key string `bun:"group_key" json:"key"`
	Totals
}

// Summary totals every record created in [since, until).
func (l *Ledger) Summary(ctx context.Context, since, until time.Time) (Totals, error) {
	var out Totals
	err := l.window(since, until).
		ColumnExpr("COUNT(*) AS records").
		ColumnExpr("COALESCE(SUM(input_tokens), 0) AS input_tokens").
		ColumnExpr("COALESCE(SUM(output_tokens), 0) AS output_tokens").
		Scan(ctx, &out)
	if err != nil {
		return Totals{}, fmt.Errorf("summarize usage: %w", err)
	}
	return out, nil
}

// SummaryBy totals records in [since, until) per group, ordered by key.
func (l *Ledger) SummaryBy(ctx context.Context, by GroupBy, since, until time.Time) ([]SummaryRow, error) {
	expr, ok := groupExpr[by]
	if !ok {
		return nil, fmt.Errorf("%w: unknown usage grouping %q", contractx.ErrValidation, by)
	}

	var rows []SummaryRow
	err := l.window(since, until).
		ColumnExpr(expr+" AS group_key").
		ColumnExpr("COUNT(*) AS records").
		ColumnExpr("COALESCE(SUM(input_tokens), 0) AS input_tokens").
		ColumnExpr("COALESCE(SUM(output_tokens), 0) AS output_tokens").
		GroupExpr(expr).
		OrderExpr("group_key ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("summarize usage by %s: %w", by, err)
	}
	return rows, nil
}

func (l *Ledger) window(since, until time.Time) *bun.SelectQuery {
	q := l.db.NewSelect().Model((*Record)(nil))
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("created_at < ?", until.UTC())
	}
	return q
}
