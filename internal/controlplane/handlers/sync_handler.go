package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/pfsync/internal/sync"
)

// SyncResponse carries the outcome of a triggered sync.
type SyncResponse struct {
	Code   string       `json:"code"`
	Result *sync.Result `json:"result,omitempty"`
}

type SyncHandler struct {
	engine Engine
}

func NewSyncHandler(engine Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// Status returns the tracker snapshot of the sync loop.
func (h *SyncHandler) Status(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.engine.Snapshot())
}

// Now runs a sync pass and waits for it. A conflict is reported in the result, not as an error.
func (h *SyncHandler) Now(c *gin.Context) {
	res, err := h.engine.Sync(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &SyncResponse{Code: CodeOk, Result: res})
}

// UploadAll overwrites the remote with the local models.
func (h *SyncHandler) UploadAll(c *gin.Context) {
	if err := h.engine.UploadAll(c.Request.Context()); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &SyncResponse{
		Code:   CodeOk,
		Result: &sync.Result{Status: sync.StatusUpdateRemoteAll},
	})
}

// DownloadAll overwrites the local models with the remote.
func (h *SyncHandler) DownloadAll(c *gin.Context) {
	if err := h.engine.DownloadAll(c.Request.Context()); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &SyncResponse{
		Code:   CodeOk,
		Result: &sync.Result{Status: sync.StatusUpdateLocalAll},
	})
}
