// Package controlplane serves the local HTTP API used to inspect and drive the sync client.
package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/pfsync/internal/controlplane/handlers"
	"github.com/openmined/pfsync/internal/controlplane/middleware"
	"github.com/openmined/pfsync/internal/version"
)

type RouteConfig struct {
	Auth middleware.TokenAuthConfig
	// RateLimit is the number of requests per second accepted from one client. Zero uses the default.
	RateLimit int64
}

const defaultRateLimit = 10

func SetupRoutes(engine handlers.Engine, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	rate := routeConfig.RateLimit
	if rate <= 0 {
		rate = defaultRateLimit
	}
	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  rate,
	})

	statusH := handlers.NewStatusHandler(engine)
	syncH := handlers.NewSyncHandler(engine)
	metaH := handlers.NewMetaHandler(engine)
	backupH := handlers.NewBackupHandler(engine)
	modelH := handlers.NewModelHandler(engine)

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", IndexHandler)
	r.GET("/health", HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", statusH.Status)
		v1.GET("/meta", metaH.Get)

		v1Sync := v1.Group("/sync")
		{
			v1Sync.GET("/status", syncH.Status)
			v1Sync.POST("/now", syncH.Now)
			v1Sync.POST("/upload-all", syncH.UploadAll)
			v1Sync.POST("/download-all", syncH.DownloadAll)
		}

		v1Backup := v1.Group("/backup")
		{
			v1Backup.GET("", backupH.Get)
			v1Backup.POST("/restore", backupH.Restore)
			v1Backup.DELETE("", backupH.Clear)
		}

		v1Models := v1.Group("/models")
		{
			v1Models.GET("/:id", modelH.Get)
			v1Models.PUT("/:id", modelH.Put)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}

func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
