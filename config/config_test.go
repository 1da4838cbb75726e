package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidationOnceNodeIDIsSet(t *testing.T) {
	c := Default()
	c.NodeID = "node-a"
	require.NoError(t, c.EvalAndValidate())
}

func TestEvalAndValidateRejectsMissingNodeID(t *testing.T) {
	c := Default()
	require.Error(t, c.EvalAndValidate())
}

func TestEvalAndValidateRejectsCollectionTimeoutExceedingCycleTime(t *testing.T) {
	c := Default()
	c.NodeID = "node-a"
	c.CycleTime = 1 * time.Second
	c.CollectionTimeout = 2 * time.Second
	require.Error(t, c.EvalAndValidate())
}

func TestEvalAndValidateRejectsNonPositiveInactiveTimeout(t *testing.T) {
	c := Default()
	c.NodeID = "node-a"
	c.InactiveTimeout = 0
	require.Error(t, c.EvalAndValidate())
}

func TestReadParsesYAMLAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtrack.yaml")
	contents := "node_id: node-a\nport: 7000\nneighbors:\n  - node_id: node-b\n    host: 10.0.0.2\n    port: 7000\n    link_cost: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	c, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", c.NodeID)
	require.Equal(t, 7000, c.Port)
	require.Equal(t, 10*time.Second, c.CycleTime, "unset fields keep their Default() value")
	require.Len(t, c.Neighbors, 1)
	require.Equal(t, "node-b", c.Neighbors[0].NodeID)
}

func TestReadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: node-a\nbogus_field: 1\n"), 0o600))

	_, err := Read(path)
	require.Error(t, err)
}
