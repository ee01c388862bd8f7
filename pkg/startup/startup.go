// Package startup brings process dependencies up in dependency order,
// retrying the whole graph with fibonacci backoff until it settles.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"

	"github.com/Ramsey-B/sorrel/pkg/retry"
)

type Dependency interface {
	Name() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type status int

const (
	statusPending status = iota
	statusStarted
	statusStopped
	statusFailed
)

type Startup struct {
	order       []string
	started     []string
	deps        map[string]Dependency
	statuses    map[string]status
	logger      ectologger.Logger
	maxAttempts int
	baseDelay   time.Duration
}

func New(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		deps:        make(map[string]Dependency),
		statuses:    make(map[string]status),
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
	}
}

// Add registers a dependency. Registration order breaks ties between independent dependencies.
func (s *Startup) Add(deps ...Dependency) {
	for _, d := range deps {
		if _, ok := s.deps[d.Name()]; !ok {
			s.order = append(s.order, d.Name())
		}
		s.deps[d.Name()] = d
	}
}

// Start starts every dependency; started dependencies are skipped on later attempts.
func (s *Startup) Start(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)
		for _, name := range s.order {
			if err := s.start(ctx, name, map[string]bool{}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(retry.NewFibonacci(s.baseDelay, 0)),
		backoff.WithMaxTries(uint(max(s.maxAttempts, 1))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.WithError(err).Warnf("Startup attempt %d failed, retrying in %s", attempt, wait)
		}),
	)
	if err != nil {
		return fmt.Errorf("startup failed after %d attempts: %w", attempt, err)
	}
	return nil
}

func (s *Startup) start(ctx context.Context, name string, visiting map[string]bool) error {
	dep, ok := s.deps[name]
	if !ok {
		return backoff.Permanent(fmt.Errorf("unknown startup dependency %q", name))
	}
	if s.statuses[name] == statusStarted {
		return nil
	}
	if visiting[name] {
		return backoff.Permanent(fmt.Errorf("startup dependency cycle at %q", name))
	}
	visiting[name] = true

	for _, parent := range dep.DependsOn() {
		if err := s.start(ctx, parent, visiting); err != nil {
			return err
		}
	}

	log := s.logger.WithField("dependency", name)
	log.Infof("Starting dependency '%s'", name)
	s.statuses[name] = statusPending
	if err := dep.Start(ctx); err != nil {
		s.statuses[name] = statusFailed
		log.WithError(err).Errorf("Failed to start dependency '%s'", name)
		return err
	}
	s.statuses[name] = statusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops started dependencies in reverse start order.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.statuses[name] != statusStarted {
			continue
		}
		log := s.logger.WithField("dependency", name)
		if err := s.deps[name].Stop(ctx); err != nil {
			log.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.statuses[name] = statusStopped
		log.Infof("Dependency '%s' stopped", name)
	}
	return firstErr
}

// Func adapts plain functions to Dependency.
type Func struct {
	ID       string
	Requires []string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
}

func (f Func) Name() string        { return f.ID }
func (f Func) DependsOn() []string { return f.Requires }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
