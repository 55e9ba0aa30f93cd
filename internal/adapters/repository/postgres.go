package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/pkg/metrics"
)

// Expected tables (schema management is external):
//
//	diagnosis_key (
//	  key_data bytea PRIMARY KEY,
//	  rolling_start_interval_number integer NOT NULL,
//	  rolling_period integer NOT NULL,
//	  transmission_risk_level integer NOT NULL,
//	  report_type integer NOT NULL,
//	  days_since_onset_of_symptoms integer,
//	  origin_country text NOT NULL,
//	  visited_countries text[] NOT NULL,
//	  submission_timestamp timestamptz NOT NULL
//	)
//	federation_upload_key (same columns,
//	  consent_to_federation boolean NOT NULL,
//	  batch_tag text)

const keyColumns = `key_data, rolling_start_interval_number, rolling_period, transmission_risk_level,
	report_type, days_since_onset_of_symptoms, origin_country, visited_countries, submission_timestamp`

const (
	insertDiagnosisKeySQL = `INSERT INTO diagnosis_key (` + keyColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (key_data) DO NOTHING`

	insertUploadKeySQL = `INSERT INTO federation_upload_key (` + keyColumns + `, consent_to_federation)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (key_data) DO NOTHING`

	selectCandidatesSQL = `SELECT ` + keyColumns + `, consent_to_federation
	FROM federation_upload_key
	WHERE consent_to_federation AND batch_tag IS NULL
	ORDER BY submission_timestamp ASC, key_data ASC`

	markBatchTagSQL = `UPDATE federation_upload_key
	SET batch_tag = $1
	WHERE key_data = ANY($2) AND batch_tag IS NULL`

	countDiagnosisKeysSQL = `SELECT count(*) FROM diagnosis_key`
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres connects a pool to databaseURL and verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// InsertDiagnosisKeys implements Store.
func (p *PostgresStore) InsertDiagnosisKeys(ctx context.Context, keys []model.DiagnosisKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	b := &pgx.Batch{}
	for i := range keys {
		if len(keys[i].KeyData) == 0 {
			return 0, fmt.Errorf("%w: diagnosis key %d has no key data", ErrInvalidKey, i)
		}
		b.Queue(insertDiagnosisKeySQL, p.keyArgs(keys[i])...)
	}
	return p.execBatch(ctx, b)
}

// InsertUploadKeys implements Store.
func (p *PostgresStore) InsertUploadKeys(ctx context.Context, keys []model.UploadKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	b := &pgx.Batch{}
	for i := range keys {
		if len(keys[i].KeyData) == 0 {
			return 0, fmt.Errorf("%w: upload key %d has no key data", ErrInvalidKey, i)
		}
		args := append(p.keyArgs(keys[i].DiagnosisKey), keys[i].ConsentToFederation)
		b.Queue(insertUploadKeySQL, args...)
	}
	return p.execBatch(ctx, b)
}

// LoadCandidateUploadKeys implements Store.
func (p *PostgresStore) LoadCandidateUploadKeys(ctx context.Context) ([]model.UploadKey, error) {
	start := time.Now()
	defer func() { metrics.RecordRepositoryQueryLatency(time.Since(start)) }()

	rows, err := p.db.Query(ctx, selectCandidatesSQL)
	if err != nil {
		return nil, fmt.Errorf("query upload keys: %w", err)
	}
	defer rows.Close()

	var out []model.UploadKey
	for rows.Next() {
		var (
			k                 model.UploadKey
			rsin, period, trl int64
			reportType        int32
		)
		if err := rows.Scan(&k.KeyData, &rsin, &period, &trl, &reportType,
			&k.DaysSinceOnsetOfSymptoms, &k.OriginCountry, &k.VisitedCountries, &k.SubmittedAt,
			&k.ConsentToFederation); err != nil {
			return nil, fmt.Errorf("scan upload key: %w", err)
		}
		k.RollingStartIntervalNumber = uint32(rsin)
		k.RollingPeriod = uint32(period)
		k.TransmissionRiskLevel = int32(trl)
		k.ReportType = model.ReportType(reportType)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload keys: %w", err)
	}
	return out, nil
}

// MarkBatchTag implements Store with a single UPDATE statement.
func (p *PostgresStore) MarkBatchTag(ctx context.Context, tag string, keys []model.UploadKey) (int, error) {
	if tag == "" {
		return 0, ErrEmptyBatchTag
	}
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordRepositoryUpdateLatency(time.Since(start)) }()

	data := make([][]byte, len(keys))
	for i := range keys {
		data[i] = keys[i].KeyData
	}
	ct, err := p.db.Exec(ctx, markBatchTagSQL, tag, data)
	if err != nil {
		return 0, fmt.Errorf("mark batch %s: %w", tag, err)
	}
	return int(ct.RowsAffected()), nil
}

// CountDiagnosisKeys implements Store.
func (p *PostgresStore) CountDiagnosisKeys(ctx context.Context) (int, error) {
	var n int64
	if err := p.db.QueryRow(ctx, countDiagnosisKeysSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count diagnosis keys: %w", err)
	}
	metrics.UpdateStoredDiagnosisKeys(int(n))
	return int(n), nil
}

func (p *PostgresStore) keyArgs(k model.DiagnosisKey) []any {
	submitted := k.SubmittedAt
	if submitted.IsZero() {
		submitted = p.now()
	}
	visited := k.VisitedCountries
	if visited == nil {
		visited = []string{}
	}
	return []any{
		k.KeyData,
		int64(k.RollingStartIntervalNumber),
		int64(k.RollingPeriod),
		int64(k.TransmissionRiskLevel),
		int32(k.ReportType),
		k.DaysSinceOnsetOfSymptoms,
		k.OriginCountry,
		visited,
		submitted,
	}
}

func (p *PostgresStore) execBatch(ctx context.Context, b *pgx.Batch) (int, error) {
	br := p.db.SendBatch(ctx, b)
	inserted := 0
	for i := 0; i < b.Len(); i++ {
		ct, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("insert key %d: %w", i, err)
		}
		inserted += int(ct.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("close batch: %w", err)
	}
	return inserted, nil
}
