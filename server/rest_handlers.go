package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowforge/kernel/kernel"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

type handlers struct {
	facade *kernel.Facade
	ws     *workspace.Initializer
	log    telemetry.Logger
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// startWorkflow handles POST /runtime/start (spec.md §6).
func (h *handlers) startWorkflow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := kernelmodel.ValidateWorkflowConfigJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	var cfg kernelmodel.WorkflowConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	runID, err := h.facade.StartWorkflow(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "run_id": runID})
}

// getState handles GET /runtime/state?run_id=... (spec.md §6).
func (h *handlers) getState(c *gin.Context) {
	runID := kernelmodel.RunID(c.Query("run_id"))
	state, ok := h.facade.GetState(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// resumeRun handles POST /runtime/{run_id}/resume.
func (h *handlers) resumeRun(c *gin.Context) {
	runID := kernelmodel.RunID(c.Param("run_id"))
	if err := h.facade.ResumeRun(c.Request.Context(), runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// stopRun handles POST /runtime/{run_id}/stop.
func (h *handlers) stopRun(c *gin.Context) {
	runID := kernelmodel.RunID(c.Param("run_id"))
	if err := h.facade.StopRun(c.Request.Context(), runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// getLiveArtifact handles GET /runtime/{run_id}/artifact/{agent_id}: the
// node-output artifact held in the persistence store, not a promoted file
// (spec.md §6, distinct from the /artifacts file endpoints below).
func (h *handlers) getLiveArtifact(c *gin.Context) {
	runID := kernelmodel.RunID(c.Param("run_id"))
	agentID := kernelmodel.NodeID(c.Param("agent_id"))

	doc, ok := h.facade.Artifact(c.Request.Context(), runID, agentID)
	if !ok {
		if _, known := h.facade.GetState(runID); !known {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *handlers) listLibrary(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	names, err := h.ws.ListLibraryFiles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": names})
}

func (h *handlers) uploadLibrary(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()
	if err := h.ws.SaveLibraryFile(file.Filename, src); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "filename": file.Filename})
}

func (h *handlers) listArtifacts(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	runID := kernelmodel.RunID(c.Param("run_id"))
	manifest, err := h.ws.ReadManifest(runID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "files": []any{}})
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func (h *handlers) fetchArtifact(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	runID := kernelmodel.RunID(c.Param("run_id"))
	c.File(h.ws.ArtifactFilePath(runID, c.Param("filename")))
}

func (h *handlers) deleteArtifact(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	runID := kernelmodel.RunID(c.Param("run_id"))
	if err := h.ws.DeleteArtifact(runID, c.Param("filename")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// promoteArtifacts handles POST /runtime/{run_id}/artifacts/promote: an
// explicit client-triggered promotion, as distinct from the automatic
// promotion the scheduler does on a node's successful completion.
func (h *handlers) promoteArtifacts(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace unavailable"})
		return
	}
	runID := kernelmodel.RunID(c.Param("run_id"))
	var req struct {
		WorkflowID    string                    `json:"workflow_id"`
		UserDirective string                    `json:"user_directive"`
		Files         []workspace.GeneratedFile `json:"files"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ws.PromoteArtifacts(c.Request.Context(), runID, req.WorkflowID, req.UserDirective, req.Files); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
