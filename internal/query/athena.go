package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/athena/athenaiface"

	"github.com/lakeside-io/lakeside/internal/config"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultQueryTimeout = 5 * time.Minute
	stopTimeout         = 10 * time.Second
)

// AthenaEngine runs statements through Amazon Athena: start, poll until a
// terminal state, then page through the results.
type AthenaEngine struct {
	client         athenaiface.AthenaAPI
	database       string
	workgroup      string
	outputLocation string
	pollInterval   time.Duration
	timeout        time.Duration
	logger         *slog.Logger
}

var _ Engine = (*AthenaEngine)(nil)

// AthenaOption configures an AthenaEngine.
type AthenaOption func(*AthenaEngine)

// WithWorkgroup sets the Athena workgroup.
func WithWorkgroup(workgroup string) AthenaOption {
	return func(e *AthenaEngine) {
		e.workgroup = workgroup
	}
}

// WithOutputLocation sets the s3:// location Athena writes results to.
func WithOutputLocation(location string) AthenaOption {
	return func(e *AthenaEngine) {
		e.outputLocation = location
	}
}

// WithPollInterval sets how often query state is polled.
func WithPollInterval(d time.Duration) AthenaOption {
	return func(e *AthenaEngine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithDefaultTimeout sets the timeout used when RunQuery gets no WithTimeout.
func WithDefaultTimeout(d time.Duration) AthenaOption {
	return func(e *AthenaEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) AthenaOption {
	return func(e *AthenaEngine) {
		e.logger = logger
	}
}

// NewAthenaEngine creates an engine running statements in database.
func NewAthenaEngine(client athenaiface.AthenaAPI, database string, opts ...AthenaOption) *AthenaEngine {
	e := &AthenaEngine{
		client:       client,
		database:     database,
		pollInterval: defaultPollInterval,
		timeout:      defaultQueryTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = config.NewLogger()
	}

	return e
}

// RunQuery implements Engine.
func (e *AthenaEngine) RunQuery(ctx context.Context, statement string, opts ...Option) (*ResultSet, error) {
	o := applyOptions(e.timeout, opts)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()

	input := &athena.StartQueryExecutionInput{
		QueryString:           aws.String(statement),
		QueryExecutionContext: &athena.QueryExecutionContext{Database: aws.String(e.database)},
	}

	if e.workgroup != "" {
		input.WorkGroup = aws.String(e.workgroup)
	}

	if e.outputLocation != "" {
		input.ResultConfiguration = &athena.ResultConfiguration{OutputLocation: aws.String(e.outputLocation)}
	}

	out, err := e.client.StartQueryExecutionWithContext(ctx, input)
	if err != nil {
		return nil, &Error{Statement: statement, Err: err}
	}

	queryID := aws.StringValue(out.QueryExecutionId)

	execution, err := e.wait(ctx, statement, queryID)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Query succeeded",
		slog.String("query_id", queryID),
		slog.String("statement_type", aws.StringValue(execution.StatementType)),
		slog.Duration("duration", time.Since(start)))

	if !o.wantRows {
		return &ResultSet{}, nil
	}

	return e.results(ctx, statement, queryID, aws.StringValue(execution.StatementType) == athena.StatementTypeDml)
}

// wait polls until the query reaches a terminal state or ctx expires. On
// expiry the query is stopped so it does not keep running server-side.
func (e *AthenaEngine) wait(ctx context.Context, statement, queryID string) (*athena.QueryExecution, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		out, err := e.client.GetQueryExecutionWithContext(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(queryID),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.stop(statement, queryID, ctx.Err())
			}

			return nil, &Error{Statement: statement, QueryID: queryID, Err: err}
		}

		execution := out.QueryExecution
		state := aws.StringValue(execution.Status.State)

		switch state {
		case athena.QueryExecutionStateSucceeded:
			return execution, nil
		case athena.QueryExecutionStateFailed, athena.QueryExecutionStateCancelled:
			return nil, &Error{
				Statement: statement,
				QueryID:   queryID,
				State:     state,
				Reason:    aws.StringValue(execution.Status.StateChangeReason),
				Err:       ErrQueryFailed,
			}
		}

		select {
		case <-ctx.Done():
			return nil, e.stop(statement, queryID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *AthenaEngine) stop(statement, queryID string, cause error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if _, err := e.client.StopQueryExecutionWithContext(stopCtx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(queryID),
	}); err != nil {
		e.logger.Warn("Failed to stop query",
			slog.String("query_id", queryID),
			slog.String("error", err.Error()))
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		return &Error{Statement: statement, QueryID: queryID, Err: ErrQueryTimeout}
	}

	return &Error{Statement: statement, QueryID: queryID, Err: cause}
}

// results pages through the query output. For DML statements Athena returns
// the column labels as the first row, which is skipped.
func (e *AthenaEngine) results(ctx context.Context, statement, queryID string, skipHeader bool) (*ResultSet, error) {
	rs := &ResultSet{Rows: make([][]string, 0)}
	first := true

	err := e.client.GetQueryResultsPagesWithContext(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(queryID),
	}, func(page *athena.GetQueryResultsOutput, _ bool) bool {
		if page.ResultSet == nil {
			return true
		}

		if first && page.ResultSet.ResultSetMetadata != nil {
			for _, info := range page.ResultSet.ResultSetMetadata.ColumnInfo {
				rs.Columns = append(rs.Columns, Column{
					Name: aws.StringValue(info.Name),
					Type: aws.StringValue(info.Type),
				})
			}
		}

		rows := page.ResultSet.Rows
		if first && skipHeader && len(rows) > 0 {
			rows = rows[1:]
		}

		first = false

		for _, row := range rows {
			values := make([]string, len(row.Data))
			for i, datum := range row.Data {
				values[i] = aws.StringValue(datum.VarCharValue)
			}

			rs.Rows = append(rs.Rows, values)
		}

		return true
	})
	if err != nil {
		return nil, &Error{Statement: statement, QueryID: queryID, Err: err}
	}

	return rs, nil
}
