package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type BackupResponse struct {
	Present   bool       `json:"present"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Models    []string   `json:"models,omitempty"`
}

type BackupHandler struct {
	engine Engine
}

func NewBackupHandler(engine Engine) *BackupHandler {
	return &BackupHandler{engine: engine}
}

// Get reports whether a stray pre-import backup exists.
func (h *BackupHandler) Get(c *gin.Context) {
	b, err := h.engine.Backup(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	if b == nil {
		c.PureJSON(http.StatusOK, &BackupResponse{})
		return
	}
	c.PureJSON(http.StatusOK, &BackupResponse{
		Present:   true,
		CreatedAt: &b.CreatedAt,
		Models:    b.ModelIDs(),
	})
}

func (h *BackupHandler) Restore(c *gin.Context) {
	if err := h.engine.RestoreBackup(c.Request.Context()); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}

func (h *BackupHandler) Clear(c *gin.Context) {
	if err := h.engine.ClearBackup(c.Request.Context()); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}
