package cache

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/railhub/pkg/types"
)

// OnInstall fetches every manifest URL and stores them in the static
// generation. Nothing is stored unless every fetch returned 2xx; on any
// failure the controller becomes redundant and the error is returned.
// Success means the controller is ready to activate immediately.
func (c *Controller) OnInstall(ctx context.Context) (err error) {
	if _, ok := c.transition(StateInstalling, func(s State) bool {
		return s != StateInstalling && s != StateActivating
	}); !ok {
		return ErrBusy
	}

	static := c.cfg.StaticName()
	ctx, span := c.tracer.Start(ctx, "cache.OnInstall")
	span.SetAttributes(
		attribute.String("railhub.generation", static),
		attribute.Int("railhub.manifest_size", len(c.cfg.Manifest)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.setState(StateRedundant)
			c.metrics.RecordInstall(false)
		} else {
			c.metrics.RecordInstall(true)
		}
		span.End()
	}()

	responses := make([]types.CachedResponse, len(c.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range c.cfg.Manifest {
		url := c.Resolve(path)
		g.Go(func() error {
			resp, err := c.fetch(gctx, http.MethodGet, url, nil, nil)
			if err != nil {
				return err
			}
			if !is2xx(resp) {
				return &FetchError{URL: url, Status: resp.Status}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to install %s: %w", static, err)
	}

	if err := c.store.CachePutAll(ctx, static, responses); err != nil {
		return fmt.Errorf("failed to store %s: %w", static, err)
	}

	c.setState(StateInstalled)
	log.Info("install complete, skipping wait", "generation", static, "entries", len(responses))
	return nil
}

// OnActivate deletes every generation outside the current static/dynamic
// pair and then claims all attached pages for this version.
func (c *Controller) OnActivate(ctx context.Context) (err error) {
	if prev, ok := c.transition(StateActivating, func(s State) bool {
		return s == StateInstalled
	}); !ok {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, prev)
	}

	ctx, span := c.tracer.Start(ctx, "cache.OnActivate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.setState(StateInstalled)
		}
		span.End()
	}()

	allow := map[string]bool{
		c.cfg.StaticName():  true,
		c.cfg.DynamicName(): true,
	}

	names, err := c.store.CacheNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list generations: %w", err)
	}
	deleted := 0
	for _, name := range names {
		if allow[name] {
			continue
		}
		ok, err := c.store.DeleteCache(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to delete generation %s: %w", name, err)
		}
		if ok {
			deleted++
			c.metrics.RecordGenerationDeleted()
			log.Info("deleted old generation", "generation", name)
		}
	}
	span.SetAttributes(attribute.Int("railhub.generations_deleted", deleted))

	if c.claimer != nil {
		if err := c.claimer.Claim(ctx, c.cfg.Version); err != nil {
			return fmt.Errorf("failed to claim clients: %w", err)
		}
	}

	c.setState(StateActivated)
	return nil
}
