package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftsite/previewhub/internal/audit"
)

// ErrInstanceNotFound is returned when no preview instance exists with the
// given id.
var ErrInstanceNotFound = errors.New("preview instance not found")

const gracefulKillDelay = 5 * time.Second

// RegistryConfig holds the dependencies and settings for a PreviewRegistry.
type RegistryConfig struct {
	Allocator     *PortAllocator
	Workspace     *WorkspaceSync
	Supervisor    *ProcessSupervisor
	Audit         *audit.Logger // Optional
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
	WorkspaceRoot string        // Root directory under which instance workspaces are created
	ProxyBase     string        // External path prefix the proxy serves under, e.g. "/preview"
}

// PreviewRegistry is the in-memory table of live preview instances. It owns
// the lifecycle composition: port allocation, workspace sync, process launch,
// and teardown. All state is process-local and rebuilt on demand; nothing
// survives a restart.
type PreviewRegistry struct {
	mu        sync.RWMutex
	instances map[string]*PreviewInstance

	allocator     *PortAllocator
	workspace     *WorkspaceSync
	supervisor    *ProcessSupervisor
	auditLog      *audit.Logger
	logger        *slog.Logger
	workspaceRoot string
	proxyBase     string
}

// NewPreviewRegistry creates a PreviewRegistry.
func NewPreviewRegistry(config RegistryConfig) (*PreviewRegistry, error) {
	if config.Allocator == nil {
		return nil, fmt.Errorf("PortAllocator is required")
	}
	if config.Workspace == nil {
		return nil, fmt.Errorf("WorkspaceSync is required")
	}
	if config.Supervisor == nil {
		return nil, fmt.Errorf("ProcessSupervisor is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workspaceRoot := config.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "previewhub-workspaces")
	}
	proxyBase := strings.TrimRight(config.ProxyBase, "/")
	if proxyBase == "" {
		proxyBase = "/preview"
	}

	return &PreviewRegistry{
		instances:     make(map[string]*PreviewInstance),
		allocator:     config.Allocator,
		workspace:     config.Workspace,
		supervisor:    config.Supervisor,
		auditLog:      config.Audit,
		logger:        logger.With("component", "PreviewRegistry"),
		workspaceRoot: workspaceRoot,
		proxyBase:     proxyBase,
	}, nil
}

// Start creates and boots a new preview instance for the project. Lifecycle
// failures (sync, install, launch) are recorded on the returned instance
// rather than returned as an error; the only error path is port exhaustion,
// which happens before there is an instance to attach it to.
func (r *PreviewRegistry) Start(ctx context.Context, projectID, userID string) (*PreviewInstance, error) {
	port, err := r.allocator.Allocate()
	if err != nil {
		r.logger.Error("Failed to allocate port for preview", "projectID", projectID, "error", err)
		return nil, err
	}

	id := fmt.Sprintf("%s-%d-%s", projectID, time.Now().UnixNano(), uuid.New().String()[:8])
	externalURL := fmt.Sprintf("%s/%s/%s", r.proxyBase, projectID, id)
	internalURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	localPath := filepath.Join(r.workspaceRoot, id)

	inst := NewPreviewInstance(id, projectID, userID, port, externalURL, internalURL, localPath)

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	r.logger.Info("Starting preview instance", "instanceID", id, "projectID", projectID, "port", port)
	r.auditEvent(audit.EventPreviewStarted, inst, "")

	result := r.workspace.Sync(ctx, projectID, localPath)
	inst.SetSyncResult(result)
	if !result.Success {
		msg := "workspace sync failed"
		if len(result.Errors) > 0 {
			msg = fmt.Sprintf("workspace sync failed: %s", result.Errors[len(result.Errors)-1])
		}
		inst.SetError(msg)
		r.allocator.Release(port)
		r.auditEvent(audit.EventPreviewFailed, inst, msg)
		return inst, nil
	}

	inst.SetStatus(StatusStarting)

	if err := r.supervisor.Launch(ctx, inst); err != nil {
		// Launch recorded the failure on the instance. The port is released
		// even when a timed-out process is left running; the allocator's bind
		// probe will skip the port until it actually clears.
		r.allocator.Release(port)
		r.auditEvent(audit.EventPreviewFailed, inst, inst.ErrorMessage())
		return inst, nil
	}

	r.auditEvent(audit.EventPreviewReady, inst, "")
	return inst, nil
}

// Stop signals the instance's process to terminate, releases its port and
// removes the record. It does not wait for the process to fully exit.
func (r *PreviewRegistry) Stop(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	inst, exists := r.instances[instanceID]
	if !exists {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	delete(r.instances, instanceID)
	r.mu.Unlock()

	handle := inst.Handle()
	if handle != nil {
		if err := handle.Signal(os.Interrupt); err != nil {
			r.logger.Warn("Failed to signal preview process, killing",
				"instanceID", instanceID, "pid", handle.PID, "error", err)
			handle.Kill()
		} else {
			// Escalate to SIGKILL if the dev server ignores the interrupt.
			go func(h *ProcessHandle) {
				time.Sleep(gracefulKillDelay)
				h.Kill()
			}(handle)
		}
	}

	inst.SetStatus(StatusStopped)
	r.allocator.Release(inst.Port)
	r.logger.Info("Preview instance stopped", "instanceID", instanceID, "port", inst.Port)
	r.auditEvent(audit.EventPreviewStopped, inst, "")
	return nil
}

// Get returns the instance by id, re-validating liveness for running
// instances and bumping the last-accessed timestamp.
func (r *PreviewRegistry) Get(instanceID string) (*PreviewInstance, bool) {
	r.mu.RLock()
	inst, exists := r.instances[instanceID]
	r.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if inst.Status() == StatusRunning && !r.supervisor.IsAlive(inst) {
		r.logger.Warn("Preview process found dead", "instanceID", instanceID)
		r.auditEvent(audit.EventPreviewCrashed, inst, "process found dead during liveness check")
	}

	inst.Touch()
	return inst, true
}

// ListByProject returns all instances belonging to the project, with no
// liveness side effects.
func (r *PreviewRegistry) ListByProject(projectID string) []*PreviewInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*PreviewInstance
	for _, inst := range r.instances {
		if inst.ProjectID == projectID {
			result = append(result, inst)
		}
	}
	return result
}

// ListAll returns every instance currently in the registry.
func (r *PreviewRegistry) ListAll() []*PreviewInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*PreviewInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		result = append(result, inst)
	}
	return result
}

func (r *PreviewRegistry) auditEvent(eventType audit.EventType, inst *PreviewInstance, detail string) {
	if r.auditLog == nil {
		return
	}
	if err := r.auditLog.LogEvent(eventType, inst.ID, inst.ProjectID, inst.UserID, inst.Port, detail); err != nil {
		r.logger.Warn("Failed to record audit event", "eventType", string(eventType), "error", err)
	}
}
