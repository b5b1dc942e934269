// Copyright 2025-2026
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Snapshot lifecycle states
const (
	SnapshotReserved  = "reserved"
	SnapshotPopulated = "populated"
)

// Snapshot is an immutable point-in-time record of a portfolio's equity and
// P&L. Exactly one populated snapshot may ever exist per (portfolio, date).
type Snapshot struct {
	PortfolioID   uuid.UUID `json:"portfolioId"`
	Date          time.Time `json:"date"`
	Status        string    `json:"status"`
	Equity        float64   `json:"equity"`
	PnL           float64   `json:"pnl"`
	GrossExposure float64   `json:"grossExposure"`
	NetExposure   float64   `json:"netExposure"`
}

// SnapshotStore implements the two-phase reserve/populate write protocol.
// The reservation is a single conditional insert -- the unique constraint on
// (portfolio_id, event_date) is the sole concurrency-control point, so there
// is no read-then-write race window. A reservation whose writer died is
// reclaimable after snapshot.reservation_ttl elapses.
type SnapshotStore struct {
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func reservationTTL() time.Duration {
	ttl := viper.GetDuration("snapshot.reservation_ttl")
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return ttl
}

// Reserve atomically claims the (portfolio, date) snapshot slot. Returns
// ErrSnapshotAlreadyExists when a populated snapshot is present and
// ErrSnapshotInProgress when another live writer holds the reservation.
func (s *SnapshotStore) Reserve(ctx context.Context, portfolioID uuid.UUID, date time.Time) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "snapshot.Reserve")
	defer span.End()

	subLog := log.With().Str("PortfolioID", portfolioID.String()).Time("Date", date).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	tag, err := trx.Exec(ctx,
		`INSERT INTO portfolio_snapshots (portfolio_id, event_date, status, reserved_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (portfolio_id, event_date) DO NOTHING`,
		portfolioID, date, SnapshotReserved)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve insert failed")
		subLog.Error().Stack().Err(err).Msg("could not reserve snapshot slot")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if tag.RowsAffected() == 1 {
		// we won the slot
		return trx.Commit(ctx)
	}

	// slot already taken -- find out by whom
	var status string
	var reservedAt time.Time
	err = trx.QueryRow(ctx,
		"SELECT status, reserved_at FROM portfolio_snapshots WHERE portfolio_id=$1 AND event_date=$2",
		portfolioID, date).Scan(&status, &reservedAt)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not inspect existing snapshot slot")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if status == SnapshotPopulated {
		if err := trx.Commit(ctx); err != nil {
			subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		}
		return ErrSnapshotAlreadyExists
	}

	// reserved: take over only if the reservation has gone stale
	cutoff := time.Now().Add(-reservationTTL())
	if reservedAt.After(cutoff) {
		if err := trx.Commit(ctx); err != nil {
			subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
		}
		return ErrSnapshotInProgress
	}

	tag, err = trx.Exec(ctx,
		`UPDATE portfolio_snapshots SET reserved_at=now()
		 WHERE portfolio_id=$1 AND event_date=$2 AND status=$3 AND reserved_at < $4`,
		portfolioID, date, SnapshotReserved, cutoff)
	if err != nil {
		span.RecordError(err)
		subLog.Error().Stack().Err(err).Msg("could not take over stale reservation")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if tag.RowsAffected() == 0 {
		// somebody else re-reserved between our insert and update
		return ErrSnapshotInProgress
	}

	subLog.Warn().Time("StaleSince", reservedAt).Msg("took over stale snapshot reservation")
	return nil
}

// Populate fills a reserved slot and flips it to populated. The row is
// immutable afterwards -- the status guard means a double populate matches
// zero rows.
func (s *SnapshotStore) Populate(ctx context.Context, snap *Snapshot) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "snapshot.Populate")
	defer span.End()

	subLog := log.With().Str("PortfolioID", snap.PortfolioID.String()).Time("Date", snap.Date).Logger()

	trx, err := database.Trx(ctx)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	tag, err := trx.Exec(ctx,
		`UPDATE portfolio_snapshots
		 SET equity=$3, pnl=$4, gross_exposure=$5, net_exposure=$6, status=$7, populated_at=now()
		 WHERE portfolio_id=$1 AND event_date=$2 AND status=$8`,
		snap.PortfolioID, snap.Date, snap.Equity, snap.PnL, snap.GrossExposure, snap.NetExposure,
		SnapshotPopulated, SnapshotReserved)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "populate failed")
		subLog.Error().Stack().Err(err).Msg("could not populate snapshot")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	if err := trx.Commit(ctx); err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrSnapshotAlreadyExists
	}
	return nil
}

// Release abandons a reservation after a populate failure so a later run can
// retry the slot immediately instead of waiting for the TTL
func (s *SnapshotStore) Release(ctx context.Context, portfolioID uuid.UUID, date time.Time) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "snapshot.Release")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return err
	}

	_, err = trx.Exec(ctx,
		"DELETE FROM portfolio_snapshots WHERE portfolio_id=$1 AND event_date=$2 AND status=$3",
		portfolioID, date, SnapshotReserved)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not release snapshot reservation")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}

// GetPopulated returns the populated snapshot for (portfolio, date); found is
// false when none exists
func (s *SnapshotStore) GetPopulated(ctx context.Context, portfolioID uuid.UUID, date time.Time) (*Snapshot, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "snapshot.GetPopulated")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, false, err
	}

	snap := &Snapshot{PortfolioID: portfolioID, Status: SnapshotPopulated}
	var dt time.Time
	err = trx.QueryRow(ctx,
		`SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots
		 WHERE portfolio_id=$1 AND event_date=$2 AND status=$3`,
		portfolioID, date, SnapshotPopulated).Scan(&dt, &snap.Equity, &snap.PnL, &snap.GrossExposure, &snap.NetExposure)
	if err != nil {
		if rollErr := trx.Rollback(ctx); rollErr != nil {
			log.Error().Stack().Err(rollErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		// a read failure must not masquerade as a missing snapshot or the
		// caller would reseed equity and break the rollforward chain
		log.Error().Stack().Err(err).Msg("could not read populated snapshot")
		return nil, false, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	tz := common.GetTimezone()
	snap.Date = time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, tz)
	return snap, true, nil
}

// DeleteRange removes populated snapshots in [begin, end] for force-rerun
func (s *SnapshotStore) DeleteRange(ctx context.Context, portfolioID uuid.UUID, begin, end time.Time) (int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "snapshot.DeleteRange")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := trx.Exec(ctx,
		"DELETE FROM portfolio_snapshots WHERE portfolio_id=$1 AND event_date BETWEEN $2 AND $3",
		portfolioID, begin, end)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not delete snapshots for force rerun")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
