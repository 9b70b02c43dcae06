package handlers

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"realtime-election-backend/cache"

	"github.com/gin-gonic/gin"
)

// 全局限流器
var (
	globalLimiter     cache.RateLimiter
	userLimiter       *cache.UserRateLimiter
	rateLimitEnabled  bool
	limitStatistics   = make(map[string]int64)
	limitStatsLock    = &sync.RWMutex{}
	rateLimiterConfig = RateLimiterConfig{
		GlobalRate:  100,
		GlobalBurst: 200,
		UserRate:    10,
		UserBurst:   20,
	}
)

// RateLimiterConfig 限流器配置结构
type RateLimiterConfig struct {
	Enabled     bool `json:"enabled"`
	GlobalRate  int  `json:"globalRate"`
	GlobalBurst int  `json:"globalBurst"`
	UserRate    int  `json:"userRate"`
	UserBurst   int  `json:"userBurst"`
}

// RateLimiterStats 限流器统计信息
type RateLimiterStats struct {
	TotalRequests     int64             `json:"totalRequests"`
	AllowedRequests   int64             `json:"allowedRequests"`
	RejectedRequests  int64             `json:"rejectedRequests"`
	UserRequestStats  map[string]int64  `json:"userRequestStats"`
	RateLimiterConfig RateLimiterConfig `json:"config"`
}

// InitRateLimiters 初始化限流器
func InitRateLimiters() {
	// 从环境变量读取配置
	if os.Getenv("ENABLE_RATE_LIMIT") == "true" {
		rateLimitEnabled = true
	}

	if globalRateStr := os.Getenv("GLOBAL_RATE_LIMIT"); globalRateStr != "" {
		if rate, err := strconv.Atoi(globalRateStr); err == nil && rate > 0 {
			rateLimiterConfig.GlobalRate = rate
			rateLimiterConfig.GlobalBurst = rate * 2
		}
	}

	if userRateStr := os.Getenv("USER_RATE_LIMIT"); userRateStr != "" {
		if rate, err := strconv.Atoi(userRateStr); err == nil && rate > 0 {
			rateLimiterConfig.UserRate = rate
			rateLimiterConfig.UserBurst = rate * 2
		}
	}

	rateLimiterConfig.Enabled = rateLimitEnabled

	if rateLimitEnabled {
		resetRateLimiters()
	}
}

// 重置限流器配置
func resetRateLimiters() {
	redisClient, err := cache.GetClient()
	if err != nil {
		log.Printf("无法获取Redis客户端: %v", err)
		return
	}

	// 初始化全局限流器
	globalLimiter = cache.NewTokenBucketRateLimiter(
		redisClient,
		"global_api",
		rateLimiterConfig.GlobalRate,
		rateLimiterConfig.GlobalBurst,
	)

	// 初始化用户级别限流器
	userLimiter = cache.NewUserRateLimiter(
		redisClient,
		"user_api",
		rateLimiterConfig.GlobalRate,
		rateLimiterConfig.GlobalBurst,
		rateLimiterConfig.UserRate,
		rateLimiterConfig.UserBurst,
	)

	limitStatsLock.Lock()
	limitStatistics = map[string]int64{
		"total":    0,
		"allowed":  0,
		"rejected": 0,
	}
	limitStatsLock.Unlock()

	log.Printf("限流器已初始化：全局速率=%d/秒，用户速率=%d/秒",
		rateLimiterConfig.GlobalRate, rateLimiterConfig.UserRate)
}

// RateLimitMiddleware 限流中间件。投票提交端点使用它挡住突发流量,
// 用户级限流的键是请求头中的参与者ID。
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rateLimitEnabled || globalLimiter == nil {
			c.Next()
			return
		}

		limitStatsLock.Lock()
		limitStatistics["total"]++
		limitStatsLock.Unlock()

		// 全局限流检查
		allowed, err := globalLimiter.Allow(c)
		if err != nil || !allowed {
			limitStatsLock.Lock()
			limitStatistics["rejected"]++
			limitStatsLock.Unlock()

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "请求频率过高，请稍后再试",
			})
			c.Abort()
			return
		}

		// 如果有用户ID，进行用户级别限流
		userID := c.GetHeader("X-User-ID")
		if userID != "" && userLimiter != nil {
			allowed, err := userLimiter.AllowUser(c, userID)
			if err != nil || !allowed {
				limitStatsLock.Lock()
				limitStatistics["rejected"]++
				userKey := "user:" + userID
				limitStatistics[userKey]++
				limitStatsLock.Unlock()

				c.JSON(http.StatusTooManyRequests, gin.H{
					"error": "您的请求频率过高，请稍后再试",
				})
				c.Abort()
				return
			}
		}

		limitStatsLock.Lock()
		limitStatistics["allowed"]++
		limitStatsLock.Unlock()

		c.Next()
	}
}

// GetRateLimiterStats 获取限流器状态
func GetRateLimiterStats(c *gin.Context) {
	// 复制统计信息以避免竞态条件
	limitStatsLock.RLock()
	stats := RateLimiterStats{
		TotalRequests:     limitStatistics["total"],
		AllowedRequests:   limitStatistics["allowed"],
		RejectedRequests:  limitStatistics["rejected"],
		UserRequestStats:  make(map[string]int64),
		RateLimiterConfig: rateLimiterConfig,
	}
	for key, value := range limitStatistics {
		if strings.HasPrefix(key, "user:") {
			stats.UserRequestStats[key] = value
		}
	}
	limitStatsLock.RUnlock()

	c.JSON(http.StatusOK, stats)
}

// UpdateRateLimiterConfig 更新限流器配置
func UpdateRateLimiterConfig(c *gin.Context) {
	var config RateLimiterConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的配置参数"})
		return
	}

	if config.GlobalRate <= 0 || config.GlobalBurst <= 0 ||
		config.UserRate <= 0 || config.UserBurst <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "速率和突发值必须大于0"})
		return
	}

	rateLimiterConfig = config
	rateLimitEnabled = config.Enabled

	if rateLimitEnabled {
		resetRateLimiters()
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "限流器配置已更新",
		"config":  rateLimiterConfig,
	})
}
