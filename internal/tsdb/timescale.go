// internal/tsdb/timescale.go - TimescaleDB sample storage
package tsdb

import (
    "context"
    "fmt"
    "time"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/sirupsen/logrus"
)

const (
    createSamplesSQL = `
CREATE TABLE IF NOT EXISTS device_samples (
    ts        TIMESTAMPTZ      NOT NULL,
    device_id TEXT             NOT NULL,
    metric    TEXT             NOT NULL,
    value     DOUBLE PRECISION NOT NULL
)`

    createHypertableSQL = `SELECT create_hypertable('device_samples', 'ts', if_not_exists => TRUE)`

    createSamplesIndexSQL = `
CREATE INDEX IF NOT EXISTS device_samples_series_idx
    ON device_samples (device_id, metric, ts DESC)`

    insertSampleSQL = `
INSERT INTO device_samples (ts, device_id, metric, value)
VALUES ($1, $2, $3, $4)`

    rawSamplesSQL = `
SELECT ts, value FROM device_samples
WHERE device_id = $1 AND metric = $2 AND ts >= $3 AND ts < $4
ORDER BY ts`

    pruneSamplesSQL = `DELETE FROM device_samples WHERE ts < $1`
)

// bucketedSQL is keyed by aggregate. last() is a TimescaleDB hyperfunction.
var bucketedSQL = map[string]string{
    AggAvg:  bucketQuery("avg(value)"),
    AggMin:  bucketQuery("min(value)"),
    AggMax:  bucketQuery("max(value)"),
    AggLast: bucketQuery("last(value, ts)"),
}

func bucketQuery(expr string) string {
    return `
SELECT time_bucket($1::interval, ts) AS bucket, ` + expr + `
FROM device_samples
WHERE device_id = $2 AND metric = $3 AND ts >= $4 AND ts < $5
GROUP BY bucket
ORDER BY bucket`
}

// TimescaleBackend stores samples in a TimescaleDB hypertable and pushes
// downsampling to the database.
type TimescaleBackend struct {
    pool *pgxpool.Pool
}

func NewTimescaleBackend(ctx context.Context, dsn string) (*TimescaleBackend, error) {
    poolConfig, err := pgxpool.ParseConfig(dsn)
    if err != nil {
        return nil, fmt.Errorf("timescale: invalid dsn: %w", err)
    }

    pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
    if err != nil {
        return nil, fmt.Errorf("timescale: failed to initialize pool: %w", err)
    }

    backend := &TimescaleBackend{pool: pool}
    if err := backend.migrate(ctx); err != nil {
        pool.Close()
        return nil, err
    }

    logrus.WithField("max_conns", poolConfig.MaxConns).Info("Connected to TimescaleDB metrics store")
    return backend, nil
}

func (t *TimescaleBackend) migrate(ctx context.Context) error {
    for _, stmt := range []string{createSamplesSQL, createHypertableSQL, createSamplesIndexSQL} {
        if _, err := t.pool.Exec(ctx, stmt); err != nil {
            return fmt.Errorf("timescale: migrate: %w", err)
        }
    }
    return nil
}

func (t *TimescaleBackend) Write(ctx context.Context, samples []Sample) (err error) {
    if len(samples) == 0 {
        return nil
    }
    batch := &pgx.Batch{}
    for _, s := range samples {
        batch.Queue(insertSampleSQL, s.Timestamp.UTC(), s.DeviceID, s.Metric, s.Value)
    }

    br := t.pool.SendBatch(ctx, batch)
    defer func() {
        if closeErr := br.Close(); closeErr != nil && err == nil {
            err = fmt.Errorf("timescale: close batch: %w", closeErr)
        }
    }()

    for range samples {
        if _, err = br.Exec(); err != nil {
            return fmt.Errorf("timescale: insert sample: %w", err)
        }
    }
    return nil
}

func (t *TimescaleBackend) Query(ctx context.Context, q Query) ([]Point, error) {
    var (
        rows pgx.Rows
        err  error
    )
    if q.Step <= 0 {
        rows, err = t.pool.Query(ctx, rawSamplesSQL, q.DeviceID, q.Metric, q.From.UTC(), q.To.UTC())
    } else {
        agg := q.Aggregate
        if agg == "" {
            agg = AggAvg
        }
        sql, ok := bucketedSQL[agg]
        if !ok {
            return nil, fmt.Errorf("%w: %s", ErrUnknownAgg, agg)
        }
        rows, err = t.pool.Query(ctx, sql, q.Step, q.DeviceID, q.Metric, q.From.UTC(), q.To.UTC())
    }
    if err != nil {
        return nil, fmt.Errorf("timescale: query: %w", err)
    }
    defer rows.Close()

    var points []Point
    for rows.Next() {
        var p Point
        if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
            return nil, fmt.Errorf("timescale: scan: %w", err)
        }
        points = append(points, p)
    }
    return points, rows.Err()
}

func (t *TimescaleBackend) Prune(ctx context.Context, before time.Time) (int, error) {
    tag, err := t.pool.Exec(ctx, pruneSamplesSQL, before.UTC())
    if err != nil {
        return 0, fmt.Errorf("timescale: prune: %w", err)
    }
    return int(tag.RowsAffected()), nil
}

func (t *TimescaleBackend) Close() error {
    t.pool.Close()
    return nil
}
