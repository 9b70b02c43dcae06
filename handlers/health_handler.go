package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"realtime-election-backend/database"
	"realtime-election-backend/models"

	"github.com/gin-gonic/gin"
)

// SystemInfo contains basic system metrics and information
type SystemInfo struct {
	Status       string    `json:"status"`
	Version      string    `json:"version"`
	Uptime       string    `json:"uptime"`
	StartTime    time.Time `json:"start_time"`
	CurrentTime  time.Time `json:"current_time"`
	GoVersion    string    `json:"go_version"`
	NumGoroutine int       `json:"num_goroutine"`
	NumCPU       int       `json:"num_cpu"`
	DBStatus     string    `json:"db_status"`
}

var (
	startTime = time.Now()
	version   = "0.1.0" // 应用版本，可通过构建参数注入
)

// HealthCheck 提供基本健康检查端点
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// SystemStatus 提供详细的系统状态信息
func SystemStatus(c *gin.Context) {
	// 检查数据库连接
	dbStatus := "ok"
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		dbStatus = "error"
	}

	info := SystemInfo{
		Status:       "ok",
		Version:      version,
		Uptime:       time.Since(startTime).String(),
		StartTime:    startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		DBStatus:     dbStatus,
	}

	c.JSON(http.StatusOK, info)
}

// MetricsHandler 返回Prometheus格式的指标
func MetricsHandler(c *gin.Context) {
	var openPolls int64
	database.DB.Model(&models.PollResult{}).Where("closed = ?", false).Count(&openPolls)
	var totalAnswers int64
	database.DB.Model(&models.PollAnswer{}).Count(&totalAnswers)

	metrics := `# HELP poll_instances_open The number of currently open poll instances
# TYPE poll_instances_open gauge
poll_instances_open %d

# HELP poll_answers_total The total number of stored poll answers
# TYPE poll_answers_total counter
poll_answers_total %d

# HELP system_goroutines The number of goroutines
# TYPE system_goroutines gauge
system_goroutines %d
`
	c.Data(http.StatusOK, "text/plain; version=0.0.4",
		[]byte(fmt.Sprintf(metrics, openPolls, totalAnswers, runtime.NumGoroutine())))
}
