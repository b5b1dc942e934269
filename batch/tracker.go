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

package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/messenger"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// Tracker records run lifecycle to the batch_runs and batch_run_phases
// tables and mirrors events to NATS. Tracking is strictly best-effort: every
// error is logged and discarded so a broken tracking store can never fail a
// batch that is otherwise computing correct analytics.
type Tracker struct {
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) RunStarted(ctx context.Context, run *Run) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.RunStarted")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("run tracking unavailable")
		return
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO batch_runs (id, trigger_source, status, range_begin, range_end, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Trigger, run.Status, run.Begin, run.End, run.StartedAt)
	if err != nil {
		log.Warn().Err(err).Str("RunID", run.ID.String()).Msg("could not record run start")
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit run start")
	}

	messenger.PublishRunEvent("started", run)
}

func (t *Tracker) PhaseFinished(ctx context.Context, run *Run, phase *PhaseResult) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.PhaseFinished")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("run tracking unavailable")
		return
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO batch_run_phases (run_id, phase, event_date, duration_ms, processed, skipped, failed, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, phase.Name, phase.Date, phase.Duration.Milliseconds(),
		phase.Processed, phase.Skipped, phase.Failed, phase.ErrText)
	if err != nil {
		log.Warn().Err(err).Str("Phase", phase.Name).Msg("could not record phase result")
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit phase result")
	}
}

func (t *Tracker) RunFinished(ctx context.Context, run *Run) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.RunFinished")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("run tracking unavailable")
		return
	}

	_, err = trx.Exec(ctx,
		`UPDATE batch_runs SET status=$2, range_begin=$3, range_end=$4, ended_at=$5, error=$6
		 WHERE id=$1`,
		run.ID, run.Status, run.Begin, run.End, run.EndedAt, run.ErrorSummary())
	if err != nil {
		log.Warn().Err(err).Str("RunID", run.ID.String()).Msg("could not record run finish")
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return
	}
	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit run finish")
	}

	messenger.PublishRunEvent(run.Status, run)
}

// LastSuccessfulEnd returns the range end of the most recent fully completed
// run; found is false when no run has ever completed. Partial runs do not
// advance the cursor, so dates whose phases failed are retried by the next
// automatic run (already populated snapshots skip cheaply).
func (t *Tracker) LastSuccessfulEnd(ctx context.Context) (time.Time, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.LastSuccessfulEnd")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return time.Time{}, false, err
	}

	var end time.Time
	err = trx.QueryRow(ctx,
		`SELECT range_end FROM batch_runs WHERE status=$1
		 ORDER BY range_end DESC LIMIT 1`,
		RunCompleted).Scan(&end)
	if err != nil {
		if rollErr := trx.Rollback(ctx); rollErr != nil {
			log.Warn().Err(rollErr).Msg("could not rollback transaction")
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit transaction")
	}
	return end, true, nil
}

// GetRun loads a run with its phase records
func (t *Tracker) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.GetRun")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	run := &Run{ID: id}
	err = trx.QueryRow(ctx,
		`SELECT trigger_source, status, range_begin, range_end, started_at, coalesce(ended_at, 'epoch')
		 FROM batch_runs WHERE id=$1`,
		id).Scan(&run.Trigger, &run.Status, &run.Begin, &run.End, &run.StartedAt, &run.EndedAt)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	rows, err := trx.Query(ctx,
		`SELECT phase, event_date, duration_ms, processed, skipped, failed, error
		 FROM batch_run_phases WHERE run_id=$1 ORDER BY id`,
		id)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	for rows.Next() {
		phase := &PhaseResult{}
		var durationMs int64
		if err := rows.Scan(&phase.Name, &phase.Date, &durationMs, &phase.Processed,
			&phase.Skipped, &phase.Failed, &phase.ErrText); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Warn().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		phase.Duration = time.Duration(durationMs) * time.Millisecond
		run.Phases = append(run.Phases, phase)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit transaction")
	}
	return run, nil
}

// ListRuns returns recent runs newest first, without phase detail
func (t *Tracker) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.ListRuns")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx,
		`SELECT id, trigger_source, status, range_begin, range_end, started_at, coalesce(ended_at, 'epoch')
		 FROM batch_runs ORDER BY started_at DESC LIMIT $1`,
		limit)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	runs := make([]*Run, 0, limit)
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.Trigger, &run.Status, &run.Begin, &run.End,
			&run.StartedAt, &run.EndedAt); err != nil {
			if err := trx.Rollback(ctx); err != nil {
				log.Warn().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Err(err).Msg("could not commit transaction")
	}
	return runs, nil
}

// PurgeRuns deletes run records older than the retention window
// (batch.run_retention_days, default 90)
func (t *Tracker) PurgeRuns(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tracker.PurgeRuns")
	defer span.End()

	retention := viper.GetInt("batch.run_retention_days")
	if retention <= 0 {
		retention = 90
	}
	cutoff := time.Now().AddDate(0, 0, -retention)

	trx, err := database.Trx(ctx)
	if err != nil {
		return 0, err
	}

	if _, err := trx.Exec(ctx,
		"DELETE FROM batch_run_phases WHERE run_id IN (SELECT id FROM batch_runs WHERE started_at < $1)",
		cutoff); err != nil {
		log.Error().Stack().Err(err).Msg("could not purge run phases")
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	tag, err := trx.Exec(ctx, "DELETE FROM batch_runs WHERE started_at < $1", cutoff)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not purge runs")
		if err := trx.Rollback(ctx); err != nil {
			log.Warn().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
