package cli

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-iam/gatehouse/jobs"
)

func newTestCLI(t *testing.T) *JobsCLI {
	t.Helper()
	mr := miniredis.RunT(t)
	cli, err := NewJobsCLI(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	cli := newTestCLI(t)

	_, err := cli.Trigger(context.Background(), "rbac:no_such_job")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported job")
}

func TestTriggerEnqueuesSeedSync(t *testing.T) {
	cli := newTestCLI(t)

	info, err := cli.Trigger(context.Background(), jobs.TaskTypeSeedSync)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskTypeSeedSync, info.Type)
	require.Equal(t, jobs.QueueDefault, info.Queue)

	var payload jobs.SeedSyncPayload
	require.NoError(t, json.Unmarshal(info.Payload, &payload))
	require.False(t, payload.Prune)
}

func TestTriggerSeedSyncCarriesPruneFlag(t *testing.T) {
	cli := newTestCLI(t)

	info, err := cli.TriggerSeedSync(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskTypeSeedSync, info.Type)

	var payload jobs.SeedSyncPayload
	require.NoError(t, json.Unmarshal(info.Payload, &payload))
	require.True(t, payload.Prune)
}

func TestUnconfiguredCLIGuards(t *testing.T) {
	var cli JobsCLI

	_, err := cli.Trigger(context.Background(), jobs.TaskTypeSeedSync)
	require.Error(t, err)
	_, err = cli.TriggerSeedSync(context.Background(), false)
	require.Error(t, err)
	_, err = cli.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = cli.ListScheduled(context.Background(), 5)
	require.Error(t, err)
}
