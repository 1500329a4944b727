package controller

import (
	"buylist_backend/internal/util"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type HealthController struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Sessions func() int
}

func NewHealthController(db *gorm.DB, rdb *redis.Client, sessions func() int) *HealthController {
	return &HealthController{DB: db, Redis: rdb, Sessions: sessions}
}

// @Summary 健康检查
// @Description 检查数据库与 Redis 状态
// @Tags 系统
// @Produce json
// @Success 200 {object} util.Response
// @Router /api/health [get]
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	sqlDB, err := c.DB.DB()
	if err != nil {
		util.InternalServerError(ctx)
		return
	}

	if err := sqlDB.PingContext(ctx.Request.Context()); err != nil {
		util.Error(ctx, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	components := gin.H{"database": "up"}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx.Request.Context()).Err(); err != nil {
			util.Error(ctx, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
		components["redis"] = "up"
	}

	data := gin.H{
		"status":     "ok",
		"components": components,
	}
	if c.Sessions != nil {
		data["liveSessions"] = c.Sessions()
	}
	util.Success(ctx, data)
}
