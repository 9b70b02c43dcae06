package handlers

import (
	"errors"
	"log"
	"net/http"

	"realtime-election-backend/service"

	"github.com/gin-gonic/gin"
)

// GetLiveResult serves the cached live snapshot of one poll instance.
// 读路径永远不直接打到投票存储: 命中返回缓存快照,
// 未命中触发一次权威读取并启动该活动的后台刷新。
func GetLiveResult(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}
	pollResultID, err := parseUintParam(c, "resultId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll result ID format"})
		return
	}

	// 布隆过滤器先挡住对从未存在过的实例的穿透读
	if bloomFilter != nil {
		exists, err := bloomFilter.MightContainPollResult(c.Request.Context(), pollResultID)
		if err != nil {
			log.Printf("警告: 布隆过滤器检查实例 %d 失败: %v", pollResultID, err)
		} else if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll instance not found"})
			return
		}
	}

	snap, err := resultCache.GetCachedData(c.Request.Context(), eventID, pollResultID)
	if err != nil {
		if errors.Is(err, service.ErrPollResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll instance not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load poll result"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// GetEventLiveResults serves all cached snapshots of an event
func GetEventLiveResults(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	snaps := resultCache.EventSnapshots(eventID)
	c.JSON(http.StatusOK, gin.H{
		"event_id": eventID,
		"results":  snaps,
	})
}
