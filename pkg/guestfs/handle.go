package guestfs

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Handle wraps one running guestfish appliance instance, addressed by its
// PID via "guestfish --remote --pid <pid>". Every method shells out through
// the injected CommandRunner; callers (GuestSession) are responsible for
// serializing calls, since libguestfs handles are not thread-safe.
type Handle struct {
	pid    int
	runner CommandRunner
}

var listenPIDPattern = regexp.MustCompile(`GUESTFISH_PID=(\d+)`)

// Launch starts a detached guestfish appliance ("guestfish --listen") and
// returns a Handle bound to its PID. The appliance is not yet running an
// NBD drive; call AddDriveReadOnly then Run.
func Launch(runner CommandRunner) (*Handle, error) {
	out, err := runner.Run("guestfish", "--listen")
	if err != nil {
		return nil, fmt.Errorf("guestfs: launch: %w: %s", err, out)
	}

	m := listenPIDPattern.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("guestfs: launch: could not find GUESTFISH_PID in output %q", out)
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("guestfs: launch: bad pid %q: %w", m[1], err)
	}

	return &Handle{pid: pid, runner: runner}, nil
}

// remote runs one guestfish command against the already-launched appliance.
func (h *Handle) remote(cmd ...string) (string, error) {
	args := append([]string{"guestfish", "--remote", "--pid", strconv.Itoa(h.pid), "--"}, cmd...)
	out, err := h.runner.Run(args...)
	if err != nil {
		return "", fmt.Errorf("guestfs: %s: %w: %s", strings.Join(cmd, " "), err, strings.TrimSpace(out))
	}
	return out, nil
}

// AddDriveReadOnly adds the NBD export at url as the appliance's sole,
// read-only drive.
func (h *Handle) AddDriveReadOnly(url string) error {
	_, err := h.remote("add-drive-opts", url, "readonly:true", "protocol:nbd")
	return err
}

// Run launches the appliance VM. Must be called after AddDriveReadOnly and
// before any Mount/Stat/Read call.
func (h *Handle) Run() error {
	_, err := h.remote("run")
	return err
}

// Mount mounts partition (1-based, on the first added drive) read-only at
// mountpoint inside the guest, per spec.md §4.4's attach protocol.
func (h *Handle) Mount(partition int, mountpoint string) error {
	device := fmt.Sprintf("/dev/sda%d", partition)
	_, err := h.remote("mount-ro", device, mountpoint)
	return err
}

// Stat returns the size in bytes of path inside the mounted guest
// filesystem, or an error if it does not exist or is not a regular file.
func (h *Handle) Stat(path string) (int64, error) {
	out, err := h.remote("filesize", path)
	if err != nil {
		return 0, err
	}
	size, parseErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("guestfs: stat %s: unexpected output %q", path, out)
	}
	return size, nil
}

// ReadAt reads length bytes at offset from path inside the guest
// filesystem. Guestfish has no native ranged read over --remote, so the
// file is downloaded whole to a scratch location and sliced in memory --
// acceptable for the boot images this server serves, which are bounded by
// the NBD disk's own size.
func (h *Handle) ReadAt(path string, offset, length int64) ([]byte, bool, error) {
	tmp, err := os.CreateTemp("", "rtftp-guestfs-*")
	if err != nil {
		return nil, false, fmt.Errorf("guestfs: scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := h.remote("download", path, tmpPath); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, false, fmt.Errorf("guestfs: read scratch file: %w", err)
	}

	if offset >= int64(len(data)) {
		return nil, true, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	block := data[offset:end]
	eof := int64(len(block)) < length
	return block, eof, nil
}

// Shutdown unmounts everything, shuts down the appliance, and exits the
// guestfish process cleanly.
func (h *Handle) Shutdown() error {
	if _, err := h.remote("umount-all"); err != nil {
		return err
	}
	if _, err := h.remote("shutdown"); err != nil {
		return err
	}
	_, err := h.remote("exit")
	return err
}
