package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const maxModelBodySize = 32 << 20

type ModelHandler struct {
	engine Engine
}

func NewModelHandler(engine Engine) *ModelHandler {
	return &ModelHandler{engine: engine}
}

// Get writes the raw JSON payload of a model.
func (h *ModelHandler) Get(c *gin.Context) {
	data, err := h.engine.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// Put replaces the payload of a model. The body must be JSON.
func (h *ModelHandler) Put(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxModelBodySize)
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if len(body) == 0 {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, errors.New("empty body"))
		return
	}

	if err := h.engine.SetModel(c.Request.Context(), c.Param("id"), json.RawMessage(body)); err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &ControlPlaneResponse{Code: CodeOk})
}
