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

package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/common"
)

// Runs serves batch run records and accepts trigger requests. A trigger
// starts the run in a goroutine and returns immediately with the run range;
// progress is observable through the run endpoints.
type Runs struct {
	Orchestrator *batch.Orchestrator
	Tracker      *batch.Tracker
}

type triggerRequest struct {
	Begin        string   `json:"begin"`
	End          string   `json:"end"`
	PortfolioIDs []string `json:"portfolioIds"`
	Force        bool     `json:"force"`
}

// List returns recent runs, newest first
func (h *Runs) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	runs, err := h.Tracker.ListRuns(c.Context(), limit)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not list batch runs")
		return fiber.ErrInternalServerError
	}
	return c.JSON(runs)
}

// Get returns a single run with phase detail
func (h *Runs) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.ErrNotAcceptable
	}

	run, err := h.Tracker.GetRun(c.Context(), id)
	if err != nil {
		return fiber.ErrNotFound
	}
	return c.JSON(run)
}

// Trigger starts a batch run in the background
func (h *Runs) Trigger(c *fiber.Ctx) error {
	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.ErrNotAcceptable
	}

	opts := &batch.Options{
		Trigger: batch.TriggerAPI,
		Force:   req.Force,
	}

	nyc := common.GetTimezone()
	if req.Begin != "" {
		begin, err := time.ParseInLocation("2006-01-02", req.Begin, nyc)
		if err != nil {
			return fiber.ErrNotAcceptable
		}
		opts.Begin = begin
	}
	if req.End != "" {
		end, err := time.ParseInLocation("2006-01-02", req.End, nyc)
		if err != nil {
			return fiber.ErrNotAcceptable
		}
		opts.End = end
	}
	for _, raw := range req.PortfolioIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.ErrNotAcceptable
		}
		opts.PortfolioIDs = append(opts.PortfolioIDs, id)
	}

	go func() {
		if _, err := h.Orchestrator.Execute(context.Background(), opts); err != nil {
			log.Error().Stack().Err(err).Msg("triggered batch run could not start")
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
	})
}
