package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDNBaseURL(t *testing.T) {
	assert.Equal(t, "", cdnBaseURL(""))
	assert.Equal(t, "https://cdn.example.com", cdnBaseURL("cdn.example.com"))
	assert.Equal(t, "http://localhost:9000", cdnBaseURL("http://localhost:9000"))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("WORKER_TEST_STR", "value")
	assert.Equal(t, "value", envOr("WORKER_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", envOr("WORKER_TEST_MISSING", "fallback"))

	t.Setenv("WORKER_TEST_INT", "7")
	assert.Equal(t, 7, envInt("WORKER_TEST_INT", -1))
	t.Setenv("WORKER_TEST_INT", "junk")
	assert.Equal(t, -1, envInt("WORKER_TEST_INT", -1))

	t.Setenv("WORKER_TEST_BOOL", "true")
	assert.True(t, envBool("WORKER_TEST_BOOL"))
	t.Setenv("WORKER_TEST_BOOL", "0")
	assert.False(t, envBool("WORKER_TEST_BOOL"))
}

func TestRootCmdFlagDefaultsFromEnv(t *testing.T) {
	t.Setenv("JOB_ID", "job_env")
	t.Setenv("STEP_INDEX", "2")
	t.Setenv("CONTINUE_AFTER", "1")
	t.Setenv("KV_SQLITE_PATH", "/tmp/test.db")

	cmd := newRootCmd()
	jobID, err := cmd.Flags().GetString("job-id")
	require.NoError(t, err)
	assert.Equal(t, "job_env", jobID)

	stepIndex, err := cmd.Flags().GetInt("step-index")
	require.NoError(t, err)
	assert.Equal(t, 2, stepIndex)

	continueAfter, err := cmd.Flags().GetBool("continue-after")
	require.NoError(t, err)
	assert.True(t, continueAfter)

	db, err := cmd.Flags().GetString("db")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", db)
}

func TestRootCmdRequiresJobID(t *testing.T) {
	t.Setenv("JOB_ID", "")
	t.Setenv("STEP_INDEX", "")
	t.Setenv("CONTINUE_AFTER", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-id")
}
