package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/config"
	"chatgate/internal/logging"
	"chatgate/internal/supervisor"
)

func TestNewSupervisor_CountsWorkerTransitions(t *testing.T) {
	logger = logging.Discard()

	// The test binary with no matching tests exits 0 without ever
	// writing the ready line.
	specs := []supervisor.WorkerSpec{{Name: "telegram", Args: []string{"-test.run=^$"}}}
	sup, collector := newSupervisor(config.Defaults(), os.Args[0], specs)

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, supervisor.ErrWorkersFailed)

	out := collector.Render()
	assert.Contains(t, out, `chatgate_supervisor_worker_transitions_total{state="spawned",worker="telegram"} 1`)
	assert.Contains(t, out, `chatgate_supervisor_worker_transitions_total{state="awaiting-ready",worker="telegram"} 1`)
	assert.Contains(t, out, `chatgate_supervisor_worker_transitions_total{state="errored",worker="telegram"} 1`)
	assert.NotContains(t, out, `state="ready"`)
}
