package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/jackc/pgx/v5"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/statement-insights/internal/store/postgres"
)

// postgresTarget applies migrations inside a transaction each.
type postgresTarget struct {
	pool *postgres.Pool
}

func newPostgresTarget(ctx context.Context, dsn string) (*postgresTarget, error) {
	pool, err := postgres.NewPool(ctx, dsn, 2)
	if err != nil {
		return nil, err
	}
	return &postgresTarget{pool: pool}, nil
}

func (t *postgresTarget) EnsureTable(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			checksum   TEXT,
			applied_by TEXT
		)`)
	return err
}

func (t *postgresTarget) Applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations
		ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AppliedMigration, error) {
		var am AppliedMigration
		err := row.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy)
		return am, err
	})
}

func (t *postgresTarget) Apply(ctx context.Context, m Migration, appliedBy string) error {
	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (version, name, applied_at, checksum, applied_by)
			VALUES ($1, $2, NOW(), $3, $4)`,
			m.Version, m.Name, m.Checksum, appliedBy)
		if err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

func (t *postgresTarget) Close() error {
	t.pool.Close()
	return nil
}

// bigqueryTarget applies migrations as query jobs. BigQuery DDL is not
// transactional, so a failed record leaves the migration applied but
// unrecorded.
type bigqueryTarget struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

func newBigQueryTarget(ctx context.Context, projectID, datasetID string) (*bigqueryTarget, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating BigQuery client: %w", err)
	}
	return &bigqueryTarget{client: client, projectID: projectID, datasetID: datasetID}, nil
}

func (t *bigqueryTarget) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", t.projectID, t.datasetID)
}

func (t *bigqueryTarget) EnsureTable(ctx context.Context) error {
	return t.runQuery(ctx, t.client.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, t.table())))
}

func (t *bigqueryTarget) Applied(ctx context.Context) ([]AppliedMigration, error) {
	query := t.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, t.table()))

	it, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (t *bigqueryTarget) Apply(ctx context.Context, m Migration, appliedBy string) error {
	if err := t.runQuery(ctx, t.client.Query(m.SQL)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}

	record := t.client.Query(fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, t.table()))
	record.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	if err := t.runQuery(ctx, record); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return nil
}

func (t *bigqueryTarget) runQuery(ctx context.Context, query *bigquery.Query) error {
	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

func (t *bigqueryTarget) Close() error {
	return t.client.Close()
}
