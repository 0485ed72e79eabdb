package preview

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

var errProcessGone = errors.New("process is not running")

// InstanceStatus represents the lifecycle state of a preview instance.
type InstanceStatus int

const (
	// StatusSyncing means project source is being materialized into the workspace.
	StatusSyncing InstanceStatus = iota
	// StatusStarting means dependencies are installing or the dev server is booting.
	StatusStarting
	// StatusRunning means the dev server is accepting connections.
	StatusRunning
	// StatusStopped means the dev server process has terminated.
	StatusStopped
	// StatusError means the instance failed during sync or launch.
	StatusError
)

// String returns a string representation of the InstanceStatus.
func (s InstanceStatus) String() string {
	switch s {
	case StatusSyncing:
		return "syncing"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncResult records the outcome of a workspace sync. It is set once after
// WorkspaceSync completes and is read-only thereafter.
type SyncResult struct {
	Success         bool     `json:"success"`
	FilesDownloaded int      `json:"filesDownloaded"`
	Errors          []string `json:"errors,omitempty"`
}

// ProcessHandle is the single point of ownership for a preview's dev-server
// child process. Only the owning instance (via the registry) may signal it.
type ProcessHandle struct {
	PID int
	Cmd *exec.Cmd
}

// Signal sends sig-0 style liveness probes or termination signals to the
// process. Returns an error if the process is gone.
func (h *ProcessHandle) Signal(sig os.Signal) error {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return errProcessGone
	}
	return h.Cmd.Process.Signal(sig)
}

// Kill forcibly terminates the child process. Safe to call on an already-dead
// process.
func (h *ProcessHandle) Kill() error {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return nil
	}
	return h.Cmd.Process.Kill()
}

// PreviewInstance is one running, isolated rendering environment for one
// project. ID, ProjectID, UserID, Port and the URL fields are immutable after
// creation; the remaining fields are guarded by mu.
type PreviewInstance struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	UserID      string `json:"userId"`
	Port        int    `json:"port"`
	ExternalURL string `json:"externalUrl"`
	InternalURL string `json:"internalUrl"`
	LocalPath   string `json:"localPath"`

	mu           sync.Mutex
	status       InstanceStatus
	syncResult   SyncResult
	startTime    time.Time
	lastAccessed time.Time
	errorMessage string
	handle       *ProcessHandle
}

// NewPreviewInstance creates an instance record in the syncing state.
func NewPreviewInstance(id, projectID, userID string, port int, externalURL, internalURL, localPath string) *PreviewInstance {
	now := time.Now()
	return &PreviewInstance{
		ID:           id,
		ProjectID:    projectID,
		UserID:       userID,
		Port:         port,
		ExternalURL:  externalURL,
		InternalURL:  internalURL,
		LocalPath:    localPath,
		status:       StatusSyncing,
		startTime:    now,
		lastAccessed: now,
	}
}

// Status returns the current lifecycle status thread-safely.
func (pi *PreviewInstance) Status() InstanceStatus {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.status
}

// SetStatus transitions the instance state thread-safely. Transitions that
// would resurrect a terminal instance (error -> anything, stopped -> running)
// are ignored; the registry serializes the remaining lifecycle ordering.
func (pi *PreviewInstance) SetStatus(s InstanceStatus) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	if pi.status == StatusError && s != StatusError {
		return
	}
	if pi.status == StatusStopped && s == StatusRunning {
		return
	}
	pi.status = s
}

// SetError marks the instance failed with a diagnostic message.
func (pi *PreviewInstance) SetError(msg string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.status = StatusError
	pi.errorMessage = msg
}

// ErrorMessage returns the failure diagnostic, empty unless status is error.
func (pi *PreviewInstance) ErrorMessage() string {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.errorMessage
}

// SetSyncResult records the workspace sync outcome.
func (pi *PreviewInstance) SetSyncResult(res SyncResult) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.syncResult = res
}

// SyncResult returns the recorded workspace sync outcome.
func (pi *PreviewInstance) SyncResult() SyncResult {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.syncResult
}

// Touch bumps the last-accessed timestamp.
func (pi *PreviewInstance) Touch() {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.lastAccessed = time.Now()
}

// LastAccessed returns the last-accessed timestamp.
func (pi *PreviewInstance) LastAccessed() time.Time {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.lastAccessed
}

// StartTime returns the creation timestamp.
func (pi *PreviewInstance) StartTime() time.Time {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.startTime
}

// setHandle attaches the child-process handle.
func (pi *PreviewInstance) setHandle(h *ProcessHandle) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.handle = h
}

// Handle returns the process handle, nil if no process was ever launched.
func (pi *PreviewInstance) Handle() *ProcessHandle {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.handle
}

// Snapshot is the JSON-serializable view of an instance returned by the API.
type Snapshot struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	UserID       string     `json:"userId"`
	Port         int        `json:"port"`
	ExternalURL  string     `json:"externalUrl"`
	InternalURL  string     `json:"internalUrl"`
	LocalPath    string     `json:"localPath"`
	Status       string     `json:"status"`
	SyncResult   SyncResult `json:"syncResult"`
	StartTime    time.Time  `json:"startTime"`
	LastAccessed time.Time  `json:"lastAccessed"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	PID          int        `json:"pid,omitempty"`
}

// Snapshot returns a consistent copy of the instance's current state.
func (pi *PreviewInstance) Snapshot() Snapshot {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	snap := Snapshot{
		ID:           pi.ID,
		ProjectID:    pi.ProjectID,
		UserID:       pi.UserID,
		Port:         pi.Port,
		ExternalURL:  pi.ExternalURL,
		InternalURL:  pi.InternalURL,
		LocalPath:    pi.LocalPath,
		Status:       pi.status.String(),
		SyncResult:   pi.syncResult,
		StartTime:    pi.startTime,
		LastAccessed: pi.lastAccessed,
		ErrorMessage: pi.errorMessage,
	}
	if pi.handle != nil {
		snap.PID = pi.handle.PID
	}
	return snap
}
