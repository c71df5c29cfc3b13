package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/pfsync/internal/meta"
)

type MetaResponse struct {
	Local     *meta.LocalMeta  `json:"local"`
	Remote    *meta.RemoteMeta `json:"remote,omitempty"`
	RemoteRev string           `json:"remoteRev,omitempty"`
}

type MetaHandler struct {
	engine Engine
}

func NewMetaHandler(engine Engine) *MetaHandler {
	return &MetaHandler{engine: engine}
}

// Get returns the local meta record. With ?remote=true the remote meta object is fetched as well.
func (h *MetaHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	local, err := h.engine.LocalMeta(ctx)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	resp := &MetaResponse{Local: local}

	if c.Query("remote") == "true" {
		remote, remoteRev, err := h.engine.RemoteMeta(ctx)
		if err != nil {
			abortWithEngineError(c, err)
			return
		}
		resp.Remote = remote
		resp.RemoteRev = remoteRev
	}

	c.PureJSON(http.StatusOK, resp)
}
