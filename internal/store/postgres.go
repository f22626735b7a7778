package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	out := c
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.MaxConnLifetime <= 0 {
		out.MaxConnLifetime = 30 * time.Minute
	}
	if out.MaxConnIdleTime <= 0 {
		out.MaxConnIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres creates a pool and verifies connectivity. The DSN contains
// credentials and must not be logged.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return pool, nil
}

const bookingsSchema = `
CREATE TABLE IF NOT EXISTS appointment_bookings (
	booking_id        TEXT PRIMARY KEY,
	contact_id        TEXT NOT NULL,
	appointment_type  TEXT NOT NULL,
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ NOT NULL,
	duration_minutes  INTEGER NOT NULL,
	timezone          TEXT NOT NULL,
	lead_score        INTEGER NOT NULL,
	confirmation_sent BOOLEAN NOT NULL DEFAULT FALSE,
	calendar_event_id TEXT NOT NULL,
	booked_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS appointment_bookings_contact_idx ON appointment_bookings (contact_id, booked_at DESC);`

// PostgresBookingStore stores bookings in Postgres.
type PostgresBookingStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBookingStore wraps pool. Call Migrate before first use.
func NewPostgresBookingStore(pool *pgxpool.Pool) *PostgresBookingStore {
	return &PostgresBookingStore{pool: pool}
}

// Migrate creates the bookings table if it does not exist.
func (s *PostgresBookingStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, bookingsSchema); err != nil {
		return fmt.Errorf("failed to migrate bookings: %w", err)
	}
	return nil
}

// SaveBooking implements BookingRepository.
func (s *PostgresBookingStore) SaveBooking(ctx context.Context, b *model.AppointmentBooking) error {
	const query = `
		INSERT INTO appointment_bookings (
			booking_id, contact_id, appointment_type, start_time, end_time, duration_minutes,
			timezone, lead_score, confirmation_sent, calendar_event_id, booked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (booking_id) DO UPDATE SET confirmation_sent = EXCLUDED.confirmation_sent`

	_, err := s.pool.Exec(ctx, query,
		b.BookingID, b.ContactID, string(b.AppointmentType), b.TimeSlot.Start, b.TimeSlot.End,
		b.TimeSlot.DurationMinutes, b.TimeSlot.Timezone, b.LeadScore, b.ConfirmationSent,
		b.CalendarEventID, b.BookedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

// ListBookings implements BookingRepository, newest first.
func (s *PostgresBookingStore) ListBookings(ctx context.Context, contactID string) ([]model.AppointmentBooking, error) {
	const query = `
		SELECT booking_id, contact_id, appointment_type, start_time, end_time, duration_minutes,
		       timezone, lead_score, confirmation_sent, calendar_event_id, booked_at
		FROM appointment_bookings
		WHERE contact_id = $1
		ORDER BY booked_at DESC`

	rows, err := s.pool.Query(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}

	bookings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AppointmentBooking, error) {
		var b model.AppointmentBooking
		var apptType string
		err := row.Scan(
			&b.BookingID, &b.ContactID, &apptType, &b.TimeSlot.Start, &b.TimeSlot.End,
			&b.TimeSlot.DurationMinutes, &b.TimeSlot.Timezone, &b.LeadScore, &b.ConfirmationSent,
			&b.CalendarEventID, &b.BookedAt,
		)
		b.AppointmentType = model.AppointmentType(apptType)
		b.TimeSlot.AppointmentType = b.AppointmentType
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan bookings: %w", err)
	}
	return bookings, nil
}
