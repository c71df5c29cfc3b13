package meta

import (
	"log/slog"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const (
	machineIDApp = "pfsync"
	envIDLen     = 10
)

// environmentID derives a short stable id for this machine. The raw machine id is never exposed,
// only an app-scoped hash of it.
func environmentID() string {
	id, err := machineid.ProtectedID(machineIDApp)
	if err != nil || id == "" {
		slog.Debug("machine id unavailable, using random id", "error", err)
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if len(id) > envIDLen {
		id = id[:envIDLen]
	}
	return id
}
