package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/pfsync/internal/sync"
	"github.com/openmined/pfsync/internal/version"
)

// StatusResponse is the overall health of the client.
type StatusResponse struct {
	Status    string        `json:"status"`
	Timestamp string        `json:"ts"`
	Version   string        `json:"version"`
	Revision  string        `json:"revision"`
	BuildDate string        `json:"buildDate"`
	Client    *ClientInfo   `json:"client"`
	Sync      sync.Snapshot `json:"sync"`
}

// StatusHandler handles status-related endpoints
type StatusHandler struct {
	engine Engine
}

func NewStatusHandler(engine Engine) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// Status returns client identity, build info and the last sync outcome.
func (h *StatusHandler) Status(c *gin.Context) {
	info, err := h.engine.Info(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}

	build := version.Current()
	c.PureJSON(http.StatusOK, &StatusResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   build.Version,
		Revision:  build.Revision,
		BuildDate: build.BuildDate,
		Client:    info,
		Sync:      h.engine.Snapshot(),
	})
}
