package processors

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/alekspetrov/ticketd/internal/clients"
	"github.com/alekspetrov/ticketd/internal/clients/dataplatform"
	"github.com/alekspetrov/ticketd/internal/dispatch"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

type dataQueryInput struct {
	QueryRequest string `json:"query_request"`
}

// DataQuery forwards a natural-language question to the data platform.
type DataQuery struct {
	platform DataQuerier
}

// NewDataQuery returns the data query processor.
func NewDataQuery(q DataQuerier) *DataQuery {
	return &DataQuery{platform: q}
}

func (p *DataQuery) Kind() ticket.Kind { return ticket.KindDataQuery }

func (p *DataQuery) Validate(raw json.RawMessage) error {
	in, err := decodeInput[dataQueryInput](raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.QueryRequest) == "" {
		return errors.New("query_request is required")
	}
	return nil
}

func (p *DataQuery) Execute(ctx context.Context, t *ticket.Ticket) (*dispatch.Result, error) {
	in, err := decodeInput[dataQueryInput](t.Input)
	if err != nil {
		return nil, inputFailure(err)
	}
	if p.platform == nil {
		return nil, ticket.NewFailure(ticket.CodeQueryExecution, false, "data platform is not configured")
	}

	ans, err := p.platform.Query(ctx, in.QueryRequest)
	if err != nil {
		return nil, queryFailure(ctx, err)
	}

	rows := ans.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return dispatch.NewResult(map[string]any{
		"query_request":   in.QueryRequest,
		"generated_query": ans.SQL,
		"rows":            rows,
		"row_count":       len(rows),
		"summary":         ans.Summary,
		"execution_ms":    ans.ExecutionMS,
	}, "data-platform", 0)
}

func queryFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var qe *dataplatform.QueryError
	if errors.As(err, &qe) {
		if qe.Stage == dataplatform.StageTranslation {
			return ticket.Wrap(ticket.CodeQueryTranslation, false, err)
		}
		return ticket.Wrap(ticket.CodeQueryExecution, false, err)
	}
	return ticket.Wrap(ticket.CodeQueryExecution, clients.IsTransient(err), err)
}
