package cache

import (
	"context"
	"hash/fnv"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BloomFilter 记录已知存在的投票实例ID, 读路径用它挡掉对不存在实例的
// 查询, 避免缓存穿透
type BloomFilter struct {
	redisClient RedisClient
	key         string
	hashCount   int
}

// NewBloomFilter 创建新的布隆过滤器
func NewBloomFilter(client RedisClient, key string, hashCount int) *BloomFilter {
	return &BloomFilter{
		redisClient: client,
		key:         "bloom:" + key,
		hashCount:   hashCount,
	}
}

// AddPollResult 把投票实例ID加入过滤器
func (bf *BloomFilter) AddPollResult(ctx context.Context, pollResultID uint) error {
	return bf.add(ctx, strconv.FormatUint(uint64(pollResultID), 10))
}

// MightContainPollResult 检查实例是否可能存在。返回false说明一定不存在,
// 返回true有一定误判率。
func (bf *BloomFilter) MightContainPollResult(ctx context.Context, pollResultID uint) (bool, error) {
	return bf.contains(ctx, strconv.FormatUint(uint64(pollResultID), 10))
}

func (bf *BloomFilter) add(ctx context.Context, item string) error {
	if bf.redisClient == nil {
		return ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	for i := 0; i < bf.hashCount; i++ {
		pipe.SetBit(ctx, bf.key, bf.hash(item, i), 1)
	}
	pipe.Expire(ctx, bf.key, 24*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

func (bf *BloomFilter) contains(ctx context.Context, item string) (bool, error) {
	if bf.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	var cmds []*redis.IntCmd
	for i := 0; i < bf.hashCount; i++ {
		cmds = append(cmds, pipe.GetBit(ctx, bf.key, bf.hash(item, i)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// 任何一位为0则元素一定不存在
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// hash 使用不同种子计算哈希位置
func (bf *BloomFilter) hash(key string, seed int) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(seed)})
	return int64(h.Sum64() % uint64(1<<30))
}

// InitBloomFilter 初始化全局布隆过滤器
func InitBloomFilter() *BloomFilter {
	client, err := GetClient()
	if err != nil {
		log.Printf("初始化布隆过滤器失败: %v", err)
		return nil
	}
	return NewBloomFilter(client, "poll_results", 5)
}
