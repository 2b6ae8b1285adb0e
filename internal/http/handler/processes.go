package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/edirooss/procd/internal/principal"
	"github.com/edirooss/procd/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Manager is the part of the process manager the handlers use.
type Manager interface {
	Process(id string) (*processmgr.Process, bool)
	Processes() []*processmgr.Process
	Output(id string) (*processmgr.OutputBuffer, bool)
	Memory() processmgr.MemorySnapshot
	RemoveProcess(id string) bool
}

// ProgramRemover stops supervising a program. *processmgr.Restarter satisfies it.
type ProgramRemover interface {
	Remove(id string) error
}

// ProcessesHandler exposes supervised processes over HTTP.
//
// Supported operations:
//   - GET    /processes                 → List processes
//   - GET    /processes/{id}            → One process
//   - GET    /processes/{id}/output     → Captured output, newest first
//   - GET    /processes/{id}/usage      → Accounting plus kernel memory usage
//   - POST   /processes/{id}/terminate  → Terminate (graceful or ?fast=1)
//   - DELETE /processes/{id}            → Terminate and forget
//   - GET    /memory                    → Admission pool
type ProcessesHandler struct {
	log      *zap.Logger
	mgr      Manager
	programs ProgramRemover
	usage    *service.UsageService
}

// NewProcessesHandler constructs a ProcessesHandler. programs may be nil.
func NewProcessesHandler(log *zap.Logger, mgr Manager, programs ProgramRemover, usage *service.UsageService) *ProcessesHandler {
	return &ProcessesHandler{
		log:      log.Named("processes"),
		mgr:      mgr,
		programs: programs,
		usage:    usage,
	}
}

// GetProcessList handles GET /processes.
//
// Status Codes:
//   - 200 OK  → JSON array of process snapshots, sorted by id
func (h *ProcessesHandler) GetProcessList(c *gin.Context) {
	procs := h.mgr.Processes()
	out := make([]processmgr.Info, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

// GetProcess handles GET /processes/{id}.
//
// Status Codes:
//   - 200 OK
//   - 404 Not Found
func (h *ProcessesHandler) GetProcess(c *gin.Context) {
	p, ok := h.mgr.Process(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "process not found"})
		return
	}
	c.JSON(http.StatusOK, p.Info())
}

// GetProcessOutput handles GET /processes/{id}/output?lines=N.
//
// Behavior:
//   - Returns up to N lines (default 100), newest first.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request → lines is not a positive integer
//   - 404 Not Found   → unknown process or output not captured
func (h *ProcessesHandler) GetProcessOutput(c *gin.Context) {
	id := c.Param("id")
	lines := 100
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be a positive integer"})
			return
		}
		lines = n
	}

	if _, ok := h.mgr.Process(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "process not found"})
		return
	}
	buf, ok := h.mgr.Output(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "output not captured"})
		return
	}

	out := buf.Read(lines)
	c.Header("X-Total-Count", strconv.Itoa(len(out)))
	c.JSON(http.StatusOK, out)
}

// GetProcessUsage handles GET /processes/{id}/usage.
//
// Status Codes:
//   - 200 OK
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *ProcessesHandler) GetProcessUsage(c *gin.Context) {
	u, ok, err := h.usage.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "process not found"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// Usage handles GET /usage. ?force=1 bypasses the cache.
func (h *ProcessesHandler) Usage(c *gin.Context) {
	if c.Query("force") == "1" {
		h.usage.Invalidate()
	}

	res, err := h.usage.Get(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.Header("X-Cache", map[bool]string{true: "HIT", false: "MISS"}[res.CacheHit])
	c.Header("X-Usage-Generated-At", strconv.FormatInt(res.GeneratedAt.UnixMilli(), 10))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Processes)))
	c.JSON(http.StatusOK, res)
}

// TerminateProcess handles POST /processes/{id}/terminate?fast=1.
//
// Behavior:
//   - Starts termination and returns at once; poll GET /processes/{id}.
//   - A program with a restart policy may be started again afterwards.
//
// Status Codes:
//   - 200 OK  → {"outcome": ..., "process": ...}
//   - 404 Not Found
func (h *ProcessesHandler) TerminateProcess(c *gin.Context) {
	p, ok := h.mgr.Process(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "process not found"})
		return
	}

	fast := c.Query("fast") == "1" || c.Query("fast") == "true"
	outcome := p.Terminate(fast)
	h.log.Info("terminate requested", append(principal.AuditFields(c),
		zap.String("process_id", p.ID()),
		zap.Bool("fast", fast),
		zap.Stringer("outcome", outcome))...)

	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "process": p.Info()})
}

// DeleteProcess handles DELETE /processes/{id}.
//
// Status Codes:
//   - 204 No Content
//   - 404 Not Found
//   - 500 Internal Server Error
func (h *ProcessesHandler) DeleteProcess(c *gin.Context) {
	id := c.Param("id")

	if h.programs != nil {
		err := h.programs.Remove(id)
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
			return
		case !errors.Is(err, processmgr.ErrUnknownProgram):
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
	}

	if !h.mgr.RemoveProcess(id) {
		c.JSON(http.StatusNotFound, gin.H{"message": "process not found"})
		return
	}
	h.log.Info("process deleted", append(principal.AuditFields(c), zap.String("process_id", id))...)
	c.Status(http.StatusNoContent)
}

// GetMemory handles GET /memory.
func (h *ProcessesHandler) GetMemory(c *gin.Context) {
	snap := h.mgr.Memory()
	c.JSON(http.StatusOK, gin.H{
		"available_mb": snap.AvailableMB,
		"reserved_mb":  snap.ReservedMB,
		"borrowed_mb":  snap.BorrowedMB,
		"free_mb":      snap.FreeMB(),
	})
}
