package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescout/internal/config"
)

func TestPoolSize(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workers.Diff = 2
	cfg.Workers.Agentic = 1
	assert.Equal(t, 3, poolSize(cfg))

	cfg.Workers.Diff = 0
	cfg.Workers.Agentic = 0
	assert.Equal(t, 1, poolSize(cfg), "at least one consumer always runs")
}

func TestServeCommandStartsConsumers(t *testing.T) {
	// Both commands run worker pools; serve additionally hosts the API.
	assert.Equal(t, "serve", serveCommand().Name)
	assert.Contains(t, serveCommand().Usage, "queue consumers")
	assert.Equal(t, "worker", workerCommand().Name)
}

func TestConsumerID(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.ConsumerID = "fixed"
	assert.Equal(t, "fixed", consumerID(cfg))

	cfg.Queue.ConsumerID = ""
	require.NotEmpty(t, consumerID(cfg), "falls back to the hostname")
}
