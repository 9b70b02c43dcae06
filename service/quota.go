package service

import (
	"context"
	"log"

	"realtime-election-backend/models"
)

// DefaultBatchCap 单次批量提交允许持久化的答案行上限,
// 用于限制单个事务的成本。超出的请求票数直接丢弃, 不排队。
const DefaultBatchCap = 500

// QuotaEnforcer 计算投票人剩余可投票数并校验提交资格
type QuotaEnforcer struct {
	tracker  *VoteCycleTracker
	batchCap int
}

func NewQuotaEnforcer(tracker *VoteCycleTracker) *QuotaEnforcer {
	return &QuotaEnforcer{tracker: tracker, batchCap: DefaultBatchCap}
}

// Remaining 返回 voter.VoteAmount - 当前voteCycle
func (q *QuotaEnforcer) Remaining(ctx context.Context, voter *models.EventUser, pollResultID uint) (int, error) {
	cycle, err := q.tracker.CurrentCycle(ctx, pollResultID, voter.ID)
	if err != nil {
		return 0, err
	}
	return voter.VoteAmount - cycle, nil
}

// Validate 校验投票人是否还能对该实例提交选票, 返回剩余票数。
// 超配额是预期的运行时状况而不是程序缺陷, 只记warning日志。
func (q *QuotaEnforcer) Validate(ctx context.Context, voter *models.EventUser, result *models.PollResult) (int, error) {
	if result.Closed {
		return 0, ErrPollClosed
	}
	if !voter.Verified || !voter.AllowToVote {
		log.Printf("警告: 用户 %d 无投票资格 (verified=%v, allowToVote=%v)",
			voter.ID, voter.Verified, voter.AllowToVote)
		return 0, ErrNotAllowed
	}
	remaining, err := q.Remaining(ctx, voter, result.ID)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		log.Printf("警告: 用户 %d 对实例 %d 的票数配额已用尽", voter.ID, result.ID)
		return 0, ErrNotAllowed
	}
	return remaining, nil
}

// GrantBulk 返回批量提交中实际允许持久化的票数:
// min(requested, remaining, batchCap)
func (q *QuotaEnforcer) GrantBulk(requested, remaining int) int {
	granted := requested
	if remaining < granted {
		granted = remaining
	}
	if q.batchCap < granted {
		granted = q.batchCap
	}
	if granted < 0 {
		granted = 0
	}
	return granted
}
