package routes

import (
	"log"
	"net/http"
	"os"
	"time"

	"realtime-election-backend/handlers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// SetupRouter 设置和配置Gin路由
func SetupRouter() *gin.Engine {
	// 创建Gin路由器
	router := gin.Default()

	// 配置CORS中间件
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // 生产环境中应限制为前端域名
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// 初始化限流器
	handlers.InitRateLimiters()

	// 定义API路由
	api := router.Group("/api")
	{
		// 全局API限流中间件
		api.Use(handlers.RateLimitMiddleware())

		// 健康检查和指标端点
		api.GET("/health", handlers.HealthCheck)
		api.GET("/status", handlers.SystemStatus)
		api.GET("/metrics", handlers.MetricsHandler)

		// 活动管理端点
		events := api.Group("/events")
		{
			events.POST("", handlers.CreateEvent)
			events.GET("", handlers.GetEvents)
			events.GET("/:id", handlers.GetEvent)
			events.POST("/:id/finish", handlers.FinishEvent)

			// 参与者管理
			events.POST("/:id/users", handlers.CreateEventUser)
			events.GET("/:id/users", handlers.GetEventUsers)
			events.PUT("/:id/users/:userId", handlers.UpdateEventUser)

			// 该活动的投票定义
			events.GET("/:id/polls", handlers.GetPolls)

			// 实时结果读取端点
			events.GET("/:id/results", handlers.GetEventLiveResults)
			events.GET("/:id/results/:resultId", handlers.GetLiveResult)

			// WebSocket订阅端点
			events.GET("/:id/ws", handlers.HandleWebSocket)
		}

		// 投票定义管理端点
		polls := api.Group("/polls")
		{
			polls.POST("", handlers.CreatePoll)
			polls.GET("/:id", handlers.GetPoll)
			polls.PUT("/:id", handlers.UpdatePoll)
			polls.DELETE("/:id", handlers.DeletePoll)

			// 激活一个投票定义, 创建投票实例
			polls.POST("/:id/start", handlers.StartPoll)
		}

		// 投票实例端点: 关闭和选票提交
		results := api.Group("/poll-results")
		{
			results.POST("/:resultId/stop", handlers.StopPoll)
			results.POST("/:resultId/answer", handlers.SubmitAnswer)
			results.POST("/:resultId/bulk-answer", handlers.SubmitBulkAnswer)
		}

		// 限流器管理API
		admin := api.Group("/admin")
		{
			admin.GET("/ratelimit/stats", handlers.GetRateLimiterStats)
			admin.POST("/ratelimit/config", handlers.UpdateRateLimiterConfig)
		}
	}

	return router
}

// StartServer 启动HTTP服务器
func StartServer(router *gin.Engine) *Server {
	// 从环境变量获取端口，默认为8090
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8090" // 默认端口
	}

	addr := ":" + port

	srv := &Server{
		&http.Server{
			Addr:    addr,
			Handler: router,
		},
	}

	// 在单独的goroutine中启动服务器
	go func() {
		log.Printf("服务器启动在 %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	return srv
}
