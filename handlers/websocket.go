package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleWebSocket upgrades the connection to a WebSocket subscription for an
// event. 订阅者只收到自己活动的生命周期和计票消息, 新连接会重放最近一条消息。
func HandleWebSocket(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	// 有订阅者看结果时保持该活动的实时缓存热度,
	// 最后一个订阅者离开后由Hub的空闲回调延迟停止
	if resultCache != nil {
		resultCache.StartCaching(eventID)
	}

	hub.ServeWS(c.Writer, c.Request, eventID)
}
