// Package lifecycle starts long-running components in order and shuts them
// down in two phases: stop everything, then drain everything.
package lifecycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/angelmondragon/eventcore/pkg/logger"
)

// Component is implemented by the listener, the job worker and the cron
// service.
type Component interface {
	Start(ctx context.Context) error
	Stop()
	Drain(ctx context.Context) error
}

type member struct {
	name string
	c    Component
}

// Group owns a set of components and HTTP servers for one process.
type Group struct {
	logg    *logger.Logger
	members []member
	started []member
	servers []*http.Server
	errs    chan error
	wg      conc.WaitGroup
}

func NewGroup(logg *logger.Logger) *Group {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Group{logg: logg, errs: make(chan error, 1)}
}

func (g *Group) Add(name string, c Component) {
	if c == nil {
		return
	}
	g.members = append(g.members, member{name: name, c: c})
}

// Start starts components in registration order. If one fails, the ones
// already started are stopped before the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for _, m := range g.members {
		if err := m.c.Start(ctx); err != nil {
			for _, s := range g.started {
				s.c.Stop()
			}
			return fmt.Errorf("start %s: %w", m.name, err)
		}
		g.started = append(g.started, m)
		g.logg.Info(g.logg.WithField(ctx, "component", m.name), "component started")
	}
	return nil
}

// Serve runs srv until Shutdown. A listen failure is reported on Errors.
func (g *Group) Serve(ctx context.Context, srv *http.Server) {
	g.servers = append(g.servers, srv)
	g.wg.Go(func() {
		g.logg.Info(g.logg.WithField(ctx, "addr", srv.Addr), "http server listening")
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			select {
			case g.errs <- fmt.Errorf("http server %s: %w", srv.Addr, err):
			default:
			}
		}
	})
}

// Errors delivers the first server failure.
func (g *Group) Errors() <-chan error { return g.errs }

// Shutdown stops HTTP servers, then every started component, then drains them
// all against ctx. Every step runs even if an earlier one failed.
func (g *Group) Shutdown(ctx context.Context) error {
	var errs error
	for _, srv := range g.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown http server %s: %w", srv.Addr, err))
		}
	}
	for _, m := range g.started {
		m.c.Stop()
	}
	for _, m := range g.started {
		if err := m.c.Drain(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drain %s: %w", m.name, err))
			continue
		}
		g.logg.Info(g.logg.WithField(ctx, "component", m.name), "component drained")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for servers: %w", ctx.Err()))
	}
	return errs
}
