package service

import (
	"context"
	"errors"

	"realtime-election-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VoteCycleTracker 是防止重复投票的唯一事实来源。
// 每个(投票实例, 投票人)对应一行记录, VoteCycle单调递增,
// 任何时刻满足 0 <= VoteCycle <= voter.VoteAmount。
type VoteCycleTracker struct {
	db *gorm.DB
}

func NewVoteCycleTracker(db *gorm.DB) *VoteCycleTracker {
	return &VoteCycleTracker{db: db}
}

// lockForUpdate 对行加悲观锁。sqlite测试库是单写连接, 不支持FOR UPDATE。
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// CurrentCycle 返回投票人在该实例中已完成的选票数, 无记录时为0
func (t *VoteCycleTracker) CurrentCycle(ctx context.Context, pollResultID, eventUserID uint) (int, error) {
	var rec models.PollUserVoted
	err := t.db.WithContext(ctx).
		Where("poll_result_id = ? AND event_user_id = ?", pollResultID, eventUserID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.VoteCycle, nil
}

// EnsurePollUser 幂等地创建投票人与投票实例的关联记录。
// 第二次创建同一对是无操作, 不会重复计入MaxVoteCycles。
func (t *VoteCycleTracker) EnsurePollUser(ctx context.Context, pollResultID, eventUserID uint) (*models.PollUser, error) {
	var pu models.PollUser
	err := t.db.WithContext(ctx).
		Where(models.PollUser{PollResultID: pollResultID, EventUserID: eventUserID}).
		FirstOrCreate(&pu).Error
	if err != nil {
		return nil, err
	}
	return &pu, nil
}

// AcceptBallot 在单个事务中完成: 锁定周期记录(不存在则创建),
// 重读并校验不变式, 插入答案行, 应用周期增量。任何一步失败整体回滚,
// 不会留下部分答案行或部分增量。
//
// increment为0表示多答案选票的中间项: 插入答案行但不推进周期,
// 周期增量由选票的最后一项触发, 一张多选选票只计一票。
func (t *VoteCycleTracker) AcceptBallot(ctx context.Context, pollResultID uint, voter *models.EventUser, rows []models.PollAnswer, increment int) (int, error) {
	newCycle := 0
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.PollUserVoted
		err := lockForUpdate(tx).
			Where("poll_result_id = ? AND event_user_id = ?", pollResultID, voter.ID).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 两个首票请求可能同时走到这里, DoNothing让后到者不触发唯一索引冲突
			rec = models.PollUserVoted{PollResultID: pollResultID, EventUserID: voter.ID, VoteCycle: 0}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
				return err
			}
			if err := lockForUpdate(tx).
				Where("poll_result_id = ? AND event_user_id = ?", pollResultID, voter.ID).
				First(&rec).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		// 进行中的选票即使尚未推进周期, 也必须还有一个周期的容量
		needed := increment
		if needed == 0 {
			needed = 1
		}
		if rec.VoteCycle+needed > voter.VoteAmount {
			return ErrQuotaExceeded
		}

		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		if increment > 0 {
			if err := tx.Model(&models.PollUserVoted{}).
				Where("id = ?", rec.ID).
				UpdateColumn("vote_cycle", gorm.Expr("vote_cycle + ?", increment)).Error; err != nil {
				return err
			}
		}

		newCycle = rec.VoteCycle + increment
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newCycle, nil
}
