//go:build unix

package lockfile

import "golang.org/x/sys/unix"

// isProcessRunning sends the null signal: delivery is never attempted,
// but permission and existence checks still run, so nil (or EPERM, a
// live process we can't signal) means the PID is alive.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
