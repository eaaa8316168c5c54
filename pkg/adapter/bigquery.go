package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
	"google.golang.org/api/googleapi"
)

var _ interfaces.DecisionRecorder = (*BigQuery)(nil)

// BigQuery appends submitted decisions to an audit table
type BigQuery struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// BigQueryOption is a functional option for BigQuery client
type BigQueryOption func(*BigQuery)

// WithBigQueryTable sets the dataset and table of the audit trail
func WithBigQueryTable(dataset, table string) BigQueryOption {
	return func(bq *BigQuery) {
		bq.dataset = dataset
		bq.table = table
	}
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string, opts ...BigQueryOption) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client", goerr.V("project_id", projectID))
	}

	bq := &BigQuery{
		client:  client,
		dataset: "realia",
		table:   "decisions",
	}

	for _, opt := range opts {
		opt(bq)
	}

	return bq, nil
}

func (bq *BigQuery) Close() error {
	return bq.client.Close()
}

// decisionRow is the schema of the audit table
type decisionRow struct {
	RequestID      int64     `bigquery:"request_id"`
	Agent          string    `bigquery:"agent"`
	Result         string    `bigquery:"result"`
	MatchedAssetID int64     `bigquery:"matched_asset_id"`
	Score          float64   `bigquery:"score"`
	TxHash         string    `bigquery:"tx_hash"`
	Success        bool      `bigquery:"success"`
	DecidedAt      time.Time `bigquery:"decided_at"`
}

func newDecisionRow(record *model.DecisionRecord) *decisionRow {
	return &decisionRow{
		RequestID:      int64(record.RequestID),
		Agent:          record.Agent.Hex(),
		Result:         record.Result.String(),
		MatchedAssetID: int64(record.MatchedAssetID),
		Score:          record.Score,
		TxHash:         record.TxHash.Hex(),
		Success:        record.Success,
		DecidedAt:      record.DecidedAt,
	}
}

// EnsureTable creates the audit table when it does not exist yet
func (bq *BigQuery) EnsureTable(ctx context.Context) (bool, error) {
	tbl := bq.client.Dataset(bq.dataset).Table(bq.table)

	if _, err := tbl.Metadata(ctx); err == nil {
		return false, nil
	} else if !isGoogleAPINotFound(err) {
		return false, goerr.Wrap(err, "failed to get table metadata",
			goerr.V("dataset", bq.dataset), goerr.V("table", bq.table))
	}

	schema, err := bigquery.InferSchema(decisionRow{})
	if err != nil {
		return false, goerr.Wrap(err, "failed to infer audit schema")
	}

	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Field: "decided_at",
		},
	}
	if err := tbl.Create(ctx, meta); err != nil {
		return false, goerr.Wrap(err, "failed to create audit table",
			goerr.V("dataset", bq.dataset), goerr.V("table", bq.table))
	}
	return true, nil
}

// RecordDecision streams one decision into the audit table
func (bq *BigQuery) RecordDecision(ctx context.Context, record *model.DecisionRecord) error {
	saver := &bigquery.StructSaver{
		Struct:   newDecisionRow(record),
		InsertID: uuid.NewString(),
	}

	inserter := bq.client.Dataset(bq.dataset).Table(bq.table).Inserter()
	if err := inserter.Put(ctx, saver); err != nil {
		return goerr.Wrap(err, "failed to insert decision",
			goerr.V("request_id", record.RequestID),
			goerr.V("tx_hash", record.TxHash.Hex()))
	}
	return nil
}

func isGoogleAPINotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
