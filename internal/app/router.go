package app

import (
	"buylist_backend/internal/middleware"
	"buylist_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)
		public.POST("/forget", c.auth.Forget)
	}

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(a.services.revoker))
	{
		authGroup.POST("/logout", c.auth.Logout)

		a.registerFriendRoutes(authGroup, c)
		a.registerCardRoutes(authGroup, c)

		authGroup.GET("/updates", c.updates.Updates)
		authGroup.GET("/updates/ws", c.updates.UpdatesWS)
	}
}

func (a *App) registerFriendRoutes(rg *gin.RouterGroup, c *controllers) {
	friends := rg.Group("/friends")
	{
		friends.GET("", c.friend.GetFriends)
		friends.GET("/requests", c.friend.GetRequests)
		friends.GET("/:id", c.friend.GetUser)
		friends.POST("/invite", c.friend.Invite)
		friends.POST("/becomefriend", c.friend.BecomeFriend)
		friends.POST("/unfriend", c.friend.UnfriendMany)
		friends.PUT("/:id/friendship/request", c.friend.ApproveRequest)
		friends.DELETE("/:id/friendship/request", c.friend.DeclineRequest)
		friends.DELETE("/:id/friendship", c.friend.Unfriend)
	}
}

func (a *App) registerCardRoutes(rg *gin.RouterGroup, c *controllers) {
	cards := rg.Group("/cards")
	{
		cards.GET("", c.card.GetCards)
		cards.POST("/new", c.card.CreateCard)
		cards.GET("/:id", c.card.GetCard)
		cards.PUT("/:id", c.card.UpdateCard)
		cards.DELETE("/:id", c.card.DeleteCard)
		cards.POST("/:id/share", c.card.ShareCard)
		cards.DELETE("/:id/share/:userId", c.card.UnshareCard)
		cards.POST("/:id/photo", c.card.UploadPhoto)
	}
}
