package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-election-backend/broadcast"
	"realtime-election-backend/cache"
	"realtime-election-backend/database"
	"realtime-election-backend/handlers"
	"realtime-election-backend/mq"
	"realtime-election-backend/routes"
	"realtime-election-backend/service"
)

// OverdueSweepInterval 异步活动过期清扫的周期
const OverdueSweepInterval = 1 * time.Minute

func main() {
	// 初始化数据库连接
	if err := database.InitDB(); err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("数据库连接初始化成功")

	// 初始化Redis连接
	if err := cache.InitRedis(); err != nil {
		log.Printf("警告: Redis初始化失败: %v", err)
	} else {
		log.Println("Redis连接初始化成功")
	}

	// 初始化分布式锁和布隆过滤器, Redis不可用时两者都为nil
	cache.InitDistLock()
	bloomFilter := cache.InitBloomFilter()
	if bloomFilter != nil {
		log.Println("布隆过滤器初始化成功")
	}

	// 初始化消息队列适配器（自动选择RocketMQ或Redis Stream）
	mqAdapter := mq.NewMQAdapter()
	if err := mqAdapter.Initialize(); err != nil {
		log.Printf("警告: 消息队列初始化失败: %v", err)
	}

	// WebSocket Hub
	hub := broadcast.NewHub()
	hub.Start()

	// 广播层: 节流和去重之后把消息发给WebSocket订阅者和消息队列
	broadcaster := broadcast.NewBroadcaster(hub, mqAdapter)
	broadcaster.Start()

	// 分布式锁服务可能不可用, 只有在可用时才传给引擎
	var locker service.Locker
	if ls := cache.GetLockService(); ls != nil {
		locker = ls
	}

	// 核心投票引擎
	engine := service.NewEngine(database.DB, broadcaster, locker)

	// 实时结果缓存, Redis可用时镜像快照
	resultCache := cache.NewResultCache(engine.Snapshots)
	if client, err := cache.GetClient(); err == nil {
		resultCache = resultCache.WithRedisMirror(client)
	}
	resultCache.Start()

	// 最后一个订阅者离开后延迟停止该活动的结果刷新
	hub.OnEventIdle = resultCache.StopCaching

	// 将核心组件传递给处理程序
	handlers.InitHandlers(engine, resultCache, hub, bloomFilter)

	// 设置路由并启动服务器
	router := routes.SetupRouter()
	srv := routes.StartServer(router)
	log.Println("服务器启动成功")

	// 异步活动过期清扫循环
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(OverdueSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := engine.Lifecycle.CloseOverdueAsyncEvents(context.Background()); err != nil {
					log.Printf("过期活动清扫失败: %v", err)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("关闭服务器...")

	// 创建一个5秒超时的上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 不接受新请求并等待现有请求完成
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务器强制关闭: %v", err)
	}

	// 按依赖的反序停止后台组件
	close(sweepDone)
	resultCache.Stop()
	broadcaster.Stop()
	hub.Stop()
	mqAdapter.Shutdown()
	cache.CloseRedis()
	database.CloseDB()

	log.Println("服务器优雅关闭")
}
