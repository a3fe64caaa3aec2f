package http

import (
	"github.com/gin-gonic/gin"
	"github.com/opencommerce/credits-service/internal/config"
	"github.com/opencommerce/credits-service/internal/fx"
	"github.com/opencommerce/credits-service/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewRouter(credits *service.CreditService, identity *service.IdentityService, converter *fx.Converter, db *gorm.DB, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, credits, identity, converter, IdempotencyMiddleware(db, log))
	return r
}
