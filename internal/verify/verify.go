// Package verify implements the post-remediation health verifier: it
// polls a remediated container until it reports healthy for two
// consecutive samples or a deadline elapses.
package verify

import (
	"context"
	"time"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

const defaultPollInterval = 5 * time.Second
const defaultDeadline = 60 * time.Second
const requiredConsecutive = 2

// Inspector is the subset of *client.Client the verifier depends on, kept
// narrow so it can be faked in tests.
type Inspector interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Verifier implements incident.Verifier.
type Verifier struct {
	docker       Inspector
	logger       *zap.Logger
	pollInterval time.Duration
	deadline     time.Duration
}

// New creates a verifier with the spec's default cadence: poll every 5s,
// give up after 60s.
func New(docker Inspector, logger *zap.Logger) *Verifier {
	return &Verifier{
		docker:       docker,
		logger:       logger.Named("verifier"),
		pollInterval: defaultPollInterval,
		deadline:     defaultDeadline,
	}
}

// Verify implements incident.Verifier. It reports healthy only once the
// container's reported status is "running" (and declared health, if the
// image defines a healthcheck, "healthy") for two consecutive samples.
// An incremented restart count is not itself evidence either way.
func (v *Verifier) Verify(ctx context.Context, c *model.Container) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		healthy, err := v.sample(ctx, c.ID)
		switch {
		case err != nil:
			v.logger.Warn("verifier sample failed",
				zap.String("container_id", c.ID), zap.Error(err))
			consecutive = 0
		case healthy:
			consecutive++
			if consecutive >= requiredConsecutive {
				return true, nil
			}
		default:
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

func (v *Verifier) sample(ctx context.Context, containerID string) (bool, error) {
	inspect, err := v.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	if inspect.State == nil || inspect.State.Status != "running" {
		return false, nil
	}
	if inspect.State.Health != nil && inspect.State.Health.Status != "" && inspect.State.Health.Status != "healthy" {
		return false, nil
	}
	return true, nil
}
