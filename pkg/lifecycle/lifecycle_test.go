package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventcore/pkg/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

type fakeComponent struct {
	name     string
	rec      *recorder
	startErr error
	drainErr error
}

func (f *fakeComponent) Start(context.Context) error {
	f.rec.add("start:" + f.name)
	return f.startErr
}

func (f *fakeComponent) Stop() { f.rec.add("stop:" + f.name) }

func (f *fakeComponent) Drain(context.Context) error {
	f.rec.add("drain:" + f.name)
	return f.drainErr
}

func TestGroupStopsEverythingBeforeDraining(t *testing.T) {
	rec := &recorder{}
	g := NewGroup(logger.Nop())
	g.Add("listener", &fakeComponent{name: "listener", rec: rec})
	g.Add("worker", &fakeComponent{name: "worker", rec: rec, drainErr: errors.New("deadline")})
	g.Add("nil", nil)

	require.NoError(t, g.Start(context.Background()))
	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain worker")

	assert.Equal(t, []string{
		"start:listener", "start:worker",
		"stop:listener", "stop:worker",
		"drain:listener", "drain:worker",
	}, rec.calls)
}

func TestGroupStartFailureStopsStartedComponents(t *testing.T) {
	rec := &recorder{}
	g := NewGroup(logger.Nop())
	g.Add("listener", &fakeComponent{name: "listener", rec: rec})
	g.Add("worker", &fakeComponent{name: "worker", rec: rec, startErr: errors.New("unknown queue")})
	g.Add("cron", &fakeComponent{name: "cron", rec: rec})

	err := g.Start(context.Background())
	require.ErrorContains(t, err, "start worker")
	assert.Equal(t, []string{"start:listener", "start:worker", "stop:listener"}, rec.calls)
}

func TestGroupReportsServerListenFailure(t *testing.T) {
	g := NewGroup(logger.Nop())
	g.Serve(context.Background(), &http.Server{Addr: "127.0.0.1:-1", ReadHeaderTimeout: time.Second})

	select {
	case err := <-g.Errors():
		assert.ErrorContains(t, err, "http server")
	case <-time.After(2 * time.Second):
		t.Fatal("expected listen failure")
	}
	require.NoError(t, g.Shutdown(context.Background()))
}

func TestRunSupervisedRestartsRecoverableFailures(t *testing.T) {
	runs := 0
	err := RunSupervised(context.Background(), logger.Nop(), "worker", backoff.NewConstantBackOff(time.Millisecond), func(context.Context) error {
		runs++
		if runs < 3 {
			return errors.New("FATAL: terminating connection due to idle-session timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
}

func TestRunSupervisedReturnsFatalFailures(t *testing.T) {
	runs := 0
	err := RunSupervised(context.Background(), logger.Nop(), "worker", backoff.NewConstantBackOff(time.Millisecond), func(context.Context) error {
		runs++
		panic("nil map write")
	})
	require.Error(t, err)
	assert.Equal(t, 1, runs)
}

func TestRunSupervisedStopsWhenBackoffGivesUp(t *testing.T) {
	err := RunSupervised(context.Background(), logger.Nop(), "worker", &backoff.StopBackOff{}, func(context.Context) error {
		return errors.New("terminating connection due to idle-session timeout")
	})
	require.ErrorContains(t, err, "restart budget exhausted")
}

func TestRunSupervisedCancelledContextIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunSupervised(ctx, logger.Nop(), "worker", nil, func(ctx context.Context) error {
		return ctx.Err()
	})
	require.NoError(t, err)
}
