package handlers

import (
	"log"

	"realtime-election-backend/broadcast"
	"realtime-election-backend/cache"
	"realtime-election-backend/service"
)

// 处理程序依赖的核心组件, 由main在启动时注入
var (
	engine      *service.Engine
	resultCache *cache.ResultCache
	hub         *broadcast.Hub
	bloomFilter *cache.BloomFilter
)

// InitHandlers 注入处理程序依赖的核心组件。bloom可为nil。
func InitHandlers(e *service.Engine, rc *cache.ResultCache, h *broadcast.Hub, bf *cache.BloomFilter) {
	engine = e
	resultCache = rc
	hub = h
	bloomFilter = bf
	log.Println("核心投票组件已设置到处理程序")
}
