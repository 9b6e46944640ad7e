package guestfs

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and answers with scripted outputs keyed
// by the joined command string.
type fakeRunner struct {
	calls     [][]string
	responses map[string]string
	errors    map[string]error
	onRun     func(args []string) (string, error) // overrides download/etc.
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.onRun != nil {
		return f.onRun(args)
	}
	key := strings.Join(args, " ")
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func TestLaunch_ParsesPID(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=12345\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)
	assert.Equal(t, 12345, h.pid)
}

func TestLaunch_MissingPIDIsError(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "garbage output\n",
	}}
	_, err := Launch(r)
	require.Error(t, err)
}

func TestAddDriveAndRun(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)

	require.NoError(t, h.AddDriveReadOnly("nbd://127.0.0.1:10809/export"))
	require.NoError(t, h.Run())

	assert.Contains(t, r.calls[1], "add-drive-opts")
	assert.Contains(t, r.calls[1], "nbd://127.0.0.1:10809/export")
	assert.Contains(t, r.calls[2], "run")
}

func TestMount_BuildsPartitionDevice(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)

	require.NoError(t, h.Mount(1, "/boot"))
	assert.Contains(t, r.calls[1], "/dev/sda1")
	assert.Contains(t, r.calls[1], "/boot")
}

func TestStat_ParsesSize(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)
	r.responses[fmt.Sprintf("guestfish --remote --pid %d -- filesize /boot/kernel.img", h.pid)] = "51200\n"

	size, err := h.Stat("/boot/kernel.img")
	require.NoError(t, err)
	assert.Equal(t, int64(51200), size)
}

func TestStat_MissingFileReturnsError(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}, errors: map[string]error{}}
	h, err := Launch(r)
	require.NoError(t, err)
	r.errors[fmt.Sprintf("guestfish --remote --pid %d -- filesize /missing", h.pid)] = fmt.Errorf("no such file")

	_, err = h.Stat("/missing")
	require.Error(t, err)
}

func TestReadAt_SlicesDownloadedFile(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)

	content := []byte("0123456789abcdef")
	r.onRun = func(args []string) (string, error) {
		if len(args) >= 2 && args[len(args)-2] == "/boot/kernel.img" {
			dest := args[len(args)-1]
			require.NoError(t, os.WriteFile(dest, content, 0644))
			return "", nil
		}
		return "", nil
	}

	chunk, eof, err := h.ReadAt("/boot/kernel.img", 4, 4)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, []byte("4567"), chunk)

	chunk, eof, err = h.ReadAt("/boot/kernel.img", 12, 100)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, []byte("cdef"), chunk)
}

func TestReadAt_FullBlockAtExactBoundaryIsNotEOF(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)

	content := []byte("0123456789abcdef") // 16 bytes
	r.onRun = func(args []string) (string, error) {
		if len(args) >= 2 && args[len(args)-2] == "/boot/kernel.img" {
			dest := args[len(args)-1]
			require.NoError(t, os.WriteFile(dest, content, 0644))
			return "", nil
		}
		return "", nil
	}

	// A full-size block landing exactly on the end of the file must not be
	// reported as EOF -- the caller still needs a trailing empty block.
	chunk, eof, err := h.ReadAt("/boot/kernel.img", 8, 8)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, []byte("89abcdef"), chunk)

	chunk, eof, err = h.ReadAt("/boot/kernel.img", 16, 8)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Empty(t, chunk)
}

func TestShutdown_RunsFullSequence(t *testing.T) {
	r := &fakeRunner{responses: map[string]string{
		"guestfish --listen": "GUESTFISH_PID=1\n",
	}}
	h, err := Launch(r)
	require.NoError(t, err)

	require.NoError(t, h.Shutdown())
	assert.Contains(t, r.calls[1], "umount-all")
	assert.Contains(t, r.calls[2], "shutdown")
	assert.Contains(t, r.calls[3], "exit")
}
