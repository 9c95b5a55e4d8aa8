// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package services

import (
	"context"
	"errors"
	"fmt"
)

// Runner matches components that block in a Run loop until their context
// is cancelled. Satisfied by *sync.Scheduler and *sync.WebhookProcessor.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService wraps a Run-loop component as a supervised service. A
// context cancellation result is reported as a clean stop so suture does
// not count shutdown as a failure.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService creates a supervised wrapper around runner.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s failed: %w", s.name, err)
	}
	return err
}

func (s *RunnerService) String() string {
	return s.name
}
