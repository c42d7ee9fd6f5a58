package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	LogDebug          bool
	Logger            *slog.Logger
	ServiceName       string
	ServiceVersion    string
	TraceMaxBatchSize int
	TraceSampleRate   float64
	OTLP              bool
}

// LoadConfig reads the telemetry knobs from the environment. Everything
// has a usable default; a malformed value is an error rather than a
// silent fallback.
func LoadConfig() (*Config, error) {
	config := &Config{
		ServiceName:       "tforum",
		TraceMaxBatchSize: 512,
		TraceSampleRate:   1.0,
	}

	if v := envOr("TRACE_SAMPLE_RATE", ""); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse TRACE_SAMPLE_RATE: %w", err)
		}
		config.TraceSampleRate = rate
	}

	if v := envOr("TRACE_MAX_BATCH_SIZE", ""); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse TRACE_MAX_BATCH_SIZE: %w", err)
		}
		config.TraceMaxBatchSize = size
	}

	config.OTLP = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "") != ""

	return config, nil
}

// PoolConfig builds the pgx pool configuration for the given DSN. The
// pool stays small: everything here runs behind a single tsnet node.
func PoolConfig(dsn *string, logger *slog.Logger) (*pgxpool.Config, error) {
	dbConfig, err := pgxpool.ParseConfig(*dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database configuration: %w", err)
	}

	dbConfig.MaxConns = 4
	dbConfig.MinConns = 0
	dbConfig.MaxConnLifetime = time.Hour
	dbConfig.MaxConnIdleTime = 15 * time.Minute
	dbConfig.HealthCheckPeriod = time.Minute
	dbConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	dbConfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		logger.Debug("connection created")
		return nil
	}

	dbConfig.BeforeClose = func(c *pgx.Conn) {
		logger.Debug("closing connection")
	}

	return dbConfig, nil
}
