package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventcore/internal/cron"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/db/dbtest"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		App:     config.AppConfig{Env: "test", Port: "0", ShutdownTimeout: 5 * time.Second},
		Service: config.ServiceConfig{Kind: "cron-worker", InstanceID: "cron-test"},
		Jobs: config.JobsConfig{
			MaxAttempts: 3,
			BackoffBase: 10 * time.Millisecond,
			BackoffMax:  100 * time.Millisecond,
		},
		Cron: config.CronConfig{
			ManagerInterval:     50 * time.Millisecond,
			Lookahead:           5 * time.Second,
			BatchSize:           10,
			MaxTicksPerSchedule: 10,
			ExecutorInterval:    20 * time.Millisecond,
			ExecutorBatchSize:   10,
			TickLease:           5 * time.Second,
		},
		Cleanup: config.CleanupConfig{
			Interval:           time.Minute,
			ExpiredThreshold:   10 * time.Minute,
			CompletedRetention: time.Hour,
		},
		Retention: config.RetentionConfig{
			Interval:        time.Hour,
			OutboxRetention: 720 * time.Hour,
			JobRetention:    168 * time.Hour,
			BatchSize:       100,
		},
	}
}

func TestNewServiceRequiresInstanceID(t *testing.T) {
	cfg := testConfig()
	cfg.Service.InstanceID = ""
	_, err := NewService(ServiceParams{Config: cfg, Logger: logger.Nop(), DB: dbtest.Open(t)})
	require.ErrorContains(t, err, "instance id is required")
}

func TestServiceTurnsSchedulesIntoJobs(t *testing.T) {
	client := dbtest.Open(t)
	svc, err := NewService(ServiceParams{
		Config:   testConfig(),
		Logger:   logger.Nop(),
		DB:       client,
		Metrics:  newCronMetrics(prometheus.NewRegistry()),
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	_, err = svc.manager.EnsureSchedule(context.Background(), cron.ScheduleSpec{
		Name:     "heartbeat",
		Queue:    "reports",
		Payload:  json.RawMessage(`{"kind":"heartbeat"}`),
		Interval: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	var job models.Job
	require.Eventually(t, func() bool {
		return client.DB().Where("queue_name = ?", "reports").Take(&job).Error == nil
	}, 5*time.Second, 25*time.Millisecond)
	assert.JSONEq(t, `{"kind":"heartbeat"}`, string(job.Payload))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}

	var claimed []models.CronTick
	require.NoError(t, client.DB().Where("completed_at IS NOT NULL").Find(&claimed).Error)
	require.NotEmpty(t, claimed)
	for _, tick := range claimed {
		require.NotNil(t, tick.ClaimedBy)
		assert.Equal(t, "cron-test", *tick.ClaimedBy)
	}
}
