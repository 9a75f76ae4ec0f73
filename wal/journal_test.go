package wal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cellar/pkg/topology"
)

func TestJournal_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	props := topology.Props{ClusterName: "shop"}
	ctl := topology.New(props)
	_, err = ctl.AddEKSCell("east", topology.EKSCellResources{})
	require.NoError(t, err)
	require.NoError(t, ctl.Register(topology.SQSQueue, "arn:sqs:west", "west"))

	j, err := Begin(w, props)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctl))
	require.NoError(t, j.Rejected(topology.Registration{Type: "Bogus", Locator: "x", Cell: "west"}, errors.New("unknown type")))

	original, err := ctl.Finalize()
	require.NoError(t, err)
	require.NoError(t, j.Finalized(RunSummary{Digest: "abc", Revision: 3, Cells: 2}))
	require.NoError(t, w.Close())

	run, err := LoadRun(dir, "")
	require.NoError(t, err)
	assert.Equal(t, j.Run(), run.ID)
	assert.Equal(t, props, run.Props)
	assert.Equal(t, ctl.Registrations(), run.Registrations)
	assert.Equal(t, ctl.Parameters(), run.Parameters)
	assert.Equal(t, 1, run.Rejected)
	assert.True(t, run.Finished())
	require.NotNil(t, run.Summary)
	assert.Equal(t, int64(3), run.Summary.Revision)

	replayed, err := run.Controller()
	require.NoError(t, err)
	rebuilt, err := replayed.Finalize()
	require.NoError(t, err)
	assert.Equal(t, original, rebuilt)
}

func TestJournal_MultipleRuns(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	first, err := Begin(w, topology.Props{ClusterName: "one"})
	require.NoError(t, err)
	require.NoError(t, first.Failed(errors.New("no cells defined")))

	second, err := Begin(w, topology.Props{ClusterName: "two"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	runs, err := ListRuns(dir)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "no cells defined", runs[0].Error)
	assert.True(t, runs[0].Finished())
	assert.False(t, runs[1].Finished())

	run, err := LoadRun(dir, first.Run())
	require.NoError(t, err)
	assert.Equal(t, "one", run.Props.ClusterName)

	latest, err := LoadRun(dir, "")
	require.NoError(t, err)
	assert.Equal(t, second.Run(), latest.ID)
}

func TestLoadRun_NotFound(t *testing.T) {
	_, err := LoadRun(t.TempDir(), "")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = LoadRun(t.TempDir(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
