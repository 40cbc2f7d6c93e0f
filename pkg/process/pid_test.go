package process

import (
	"os"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:paralleltest // mutates XDG environment
func TestPIDFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	xdg.Reload()

	const name = "test-instance"

	require.NoError(t, WritePIDFile(name, 12345))

	pid, err := ReadPIDFile(name)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	require.NoError(t, RemovePIDFile(name))

	_, err = ReadPIDFile(name)
	assert.Error(t, err, "reading a removed PID file should fail")

	// Removing again is not an error.
	assert.NoError(t, RemovePIDFile(name))
}

//nolint:paralleltest // mutates XDG environment
func TestWriteCurrentPIDFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	xdg.Reload()

	const name = "self"
	require.NoError(t, WriteCurrentPIDFile(name))
	t.Cleanup(func() { _ = RemovePIDFile(name) })

	pid, err := ReadPIDFile(name)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestFindProcess(t *testing.T) {
	t.Parallel()

	alive, err := FindProcess(os.Getpid())
	require.NoError(t, err)
	assert.True(t, alive, "current process should be found")

	// PIDs beyond the kernel default max never exist.
	alive, _ = FindProcess(99999999)
	assert.False(t, alive)
}
