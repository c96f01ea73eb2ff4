package k8s

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/kubescr/kubescr/internal/client"
)

// DistributedApp is a set of containers forming one application, with the
// dependency map that constrains their checkpoint order.
type DistributedApp struct {
	Name         string
	Containers   []Container
	Dependencies map[string][]string
}

// NewDistributedApp creates an empty application representation.
func NewDistributedApp(name string) *DistributedApp {
	return &DistributedApp{Name: name, Dependencies: make(map[string][]string)}
}

// AddContainer appends a container to the application.
func (a *DistributedApp) AddContainer(c Container) {
	a.Containers = append(a.Containers, c)
}

// SetDependencies replaces the dependency map.
func (a *DistributedApp) SetDependencies(deps map[string][]string) {
	a.Dependencies = deps
}

// CheckpointOrder returns the container ids depth-first so that every
// container appears after its dependencies.
func (a *DistributedApp) CheckpointOrder() []string {
	var order []string
	visited := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range a.Dependencies[id] {
			visit(dep)
		}
		order = append(order, id)
	}

	for _, c := range a.Containers {
		visit(c.ID())
	}
	return order
}

// Coordinator drives a coordinated checkpoint of a distributed application.
type Coordinator struct {
	Kubelet *Kubelet

	// ServerAddress/ServerPort locate the coordination server that
	// receives the application dependency map; empty address skips the
	// push.
	ServerAddress string
	ServerPort    int

	// MaxAttempts and Interval bound the per-container checkpoint retry.
	MaxAttempts int
	Interval    time.Duration

	Logger zerolog.Logger
}

// Run pushes the dependency map to the coordination server, then triggers
// a checkpoint for every container in dependency order, polling its status
// until the archives are in place or the attempt budget runs out. Each
// checkpoint is triggered exactly once; only the status probe repeats.
func (c *Coordinator) Run(ctx context.Context, app *DistributedApp) error {
	log := c.Logger.With().Str("component", "coordinator").Str("app", app.Name).Logger()
	log.Info().Int("containers", len(app.Containers)).Msg("starting coordinated checkpoint")

	maxAttempts := c.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 10
	}
	interval := c.Interval
	if interval == 0 {
		interval = 2 * time.Second
	}

	if len(app.Dependencies) > 0 && c.ServerAddress != "" {
		if err := client.AddDependencies(ctx, c.ServerAddress, c.ServerPort, app.Dependencies, c.Logger); err != nil {
			return fmt.Errorf("push dependency map: %w", err)
		}
	}

	order := app.CheckpointOrder()
	log.Info().Strs("order", order).Msg("checkpoint order resolved")

	byID := make(map[string]Container, len(app.Containers))
	for _, ct := range app.Containers {
		byID[ct.ID()] = ct
	}

	for _, id := range order {
		ct, ok := byID[id]
		if !ok {
			return fmt.Errorf("container not found: %s", id)
		}
		log.Info().Str("container", id).Msg("triggering checkpoint")

		archives, err := c.Kubelet.Checkpoint(ctx, ct)
		if err != nil {
			return fmt.Errorf("trigger checkpoint for %s: %w", id, err)
		}

		attempt := 0
		backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(interval))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempt++
			status := c.Kubelet.Status(archives)
			if status != StatusCompleted {
				log.Info().Str("container", id).Str("status", status).
					Int("attempt", attempt).Int("max_attempts", maxAttempts).
					Msg("checkpoint not complete yet")
				return retry.RetryableError(fmt.Errorf("checkpoint status: %s", status))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("checkpoint failed or timed out for %s: %w", id, err)
		}
		log.Info().Str("container", id).Strs("archives", archives).Msg("checkpoint completed")
	}

	log.Info().Msg("coordinated checkpoint completed")
	return nil
}
