package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/middleware"
)

var Module = fx.Module("httpapi",
	fx.Provide(ProvideEngine),
)

// ProvideEngine builds the shared gin engine. Service modules attach
// their route groups via fx invokes.
func ProvideEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Error())
	return engine
}
