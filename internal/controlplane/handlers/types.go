package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/pfsync/internal/backup"
	"github.com/openmined/pfsync/internal/codec"
	"github.com/openmined/pfsync/internal/lock"
	"github.com/openmined/pfsync/internal/model"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
	"github.com/openmined/pfsync/internal/sync"
)

const (
	CodeOk                 string = "OK"
	ErrCodeBadRequest      string = "ERR_BAD_REQUEST"
	ErrCodeUnknownError    string = "ERR_UNKNOWN_ERROR"
	ErrCodeNotConfigured   string = "ERR_NOT_CONFIGURED"
	ErrCodeSyncRunning     string = "ERR_SYNC_RUNNING"
	ErrCodeRemoteLocked    string = "ERR_REMOTE_LOCKED"
	ErrCodeRevMismatch     string = "ERR_REV_MISMATCH"
	ErrCodeNoRemoteMeta    string = "ERR_NO_REMOTE_META"
	ErrCodeInvalidRemote   string = "ERR_INVALID_REMOTE"
	ErrCodeEncryption      string = "ERR_ENCRYPTION"
	ErrCodeUnknownModel    string = "ERR_UNKNOWN_MODEL"
	ErrCodeNoBackup        string = "ERR_NO_BACKUP"
	ErrCodeProviderFailure string = "ERR_PROVIDER"
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// abortWithEngineError maps errors coming out of the engine to a status and error code.
func abortWithEngineError(c *gin.Context, err error) {
	status, code := classify(err)
	AbortWithError(c, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, sync.ErrSyncAlreadyRunning):
		return http.StatusConflict, ErrCodeSyncRunning
	case errors.Is(err, sync.ErrNoSyncProvider):
		return http.StatusServiceUnavailable, ErrCodeNotConfigured
	case errors.Is(err, lock.ErrForeignLock), errors.Is(err, lock.ErrSelfStaleLock):
		return http.StatusConflict, ErrCodeRemoteLocked
	case errors.Is(err, provider.ErrRevMismatch):
		return http.StatusConflict, ErrCodeRevMismatch
	case errors.Is(err, sync.ErrNoRemoteMeta):
		return http.StatusNotFound, ErrCodeNoRemoteMeta
	case errors.Is(err, sync.ErrInvalidMetaFile), errors.Is(err, rev.ErrRegistryMismatch):
		return http.StatusBadGateway, ErrCodeInvalidRemote
	case errors.Is(err, codec.ErrEncryptionConfigUnavailable), errors.Is(err, codec.ErrDecrypt):
		return http.StatusUnprocessableEntity, ErrCodeEncryption
	case errors.Is(err, model.ErrUnknownModel):
		return http.StatusNotFound, ErrCodeUnknownModel
	case errors.Is(err, model.ErrInvalidData):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, backup.ErrNoBackup):
		return http.StatusNotFound, ErrCodeNoBackup
	case errors.Is(err, provider.ErrNotReady):
		return http.StatusServiceUnavailable, ErrCodeProviderFailure
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		return http.StatusBadGateway, ErrCodeProviderFailure
	}
	return http.StatusInternalServerError, ErrCodeUnknownError
}
