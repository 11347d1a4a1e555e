package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

const (
	defaultReadinessAttempts = 5
	defaultReadinessBackoff  = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	PubSub   pinger
	Consumer runner

	// ReadinessAttempts bounds how many times dependencies are probed before
	// the worker gives up. Zero uses the default.
	ReadinessAttempts int
	ReadinessBackoff  time.Duration
}

type dependency struct {
	name string
	pinger
}

// Service waits for its dependencies and then runs the order earnings
// consumer until the context ends.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	deps     []dependency
	consumer runner
	attempts int
	backoff  time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.Consumer == nil:
		return nil, errors.New("earnings consumer is required")
	}
	deps := []dependency{{"database", params.DB}, {"redis", params.Redis}, {"pubsub", params.PubSub}}
	for _, dep := range deps {
		if dep.pinger == nil {
			return nil, fmt.Errorf("%s client is required", dep.name)
		}
	}

	svc := &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		deps:     deps,
		consumer: params.Consumer,
		attempts: params.ReadinessAttempts,
		backoff:  params.ReadinessBackoff,
	}
	if svc.attempts <= 0 {
		svc.attempts = defaultReadinessAttempts
	}
	if svc.backoff <= 0 {
		svc.backoff = defaultReadinessBackoff
	}
	return svc, nil
}

// awaitReady probes every dependency, retrying with a doubling backoff, and
// returns all failures of the last attempt.
func (s *Service) awaitReady(ctx context.Context) error {
	wait := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.probe(ctx)
		if err == nil {
			s.logg.Info(ctx, "all worker dependencies are ready")
			return nil
		}
		if attempt >= s.attempts {
			return fmt.Errorf("dependencies not ready after %d attempts: %w", attempt, err)
		}
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"attempt": attempt,
			"retry":   wait.String(),
			"error":   err.Error(),
		}), "worker dependencies not ready")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (s *Service) probe(ctx context.Context) error {
	var err error
	for _, dep := range s.deps {
		if pingErr := dep.Ping(ctx); pingErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", dep.name, pingErr))
		}
	}
	return err
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.awaitReady(ctx); err != nil {
		return err
	}
	err := s.consumer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("earnings consumer: %w", err)
	}
	return ctx.Err()
}
