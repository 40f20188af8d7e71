package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadySupervised is returned by Run when another live supervisor holds
// the project's lock file.
var ErrAlreadySupervised = errors.New("another autorestart supervisor is already running")

// LockName is the lock file inside the state directory.
const LockName = "supervisor.lock"

// lockInfo is the lock file format.
type lockInfo struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	StartedAt  time.Time `json:"started_at"`
}

// acquireLock claims lockPath for this process. The lock file is created
// exclusively, so of two supervisors starting together only one wins. A lock
// left behind by a dead process on this host is taken over.
func acquireLock(lockPath, instanceID string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	data, err := json.MarshalIndent(lockInfo{
		InstanceID: instanceID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		StartedAt:  time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	err = createLock(lockPath, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create lock: %w", err)
	}

	existing, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	var holder lockInfo
	if json.Unmarshal(existing, &holder) == nil && holder.PID != os.Getpid() {
		if isProcessAlive(holder.PID, holder.Hostname) {
			return fmt.Errorf("%w (pid %d on %s, started %s)",
				ErrAlreadySupervised, holder.PID, holder.Hostname, holder.StartedAt.Format(time.RFC3339))
		}
	}

	// Stale lock.
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return fmt.Errorf("failed to take over lock: %w", err)
	}
	return nil
}

// createLock writes data to lockPath only if the file does not exist yet.
func createLock(lockPath string, data []byte) error {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return err
	}
	return nil
}

// releaseLock removes lockPath if this instance still owns it.
func releaseLock(lockPath, instanceID string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock: %w", err)
	}
	var existing lockInfo
	if json.Unmarshal(data, &existing) == nil && existing.InstanceID != instanceID {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid exists on hostname. Processes on other
// hosts, or ones we may not signal, are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
