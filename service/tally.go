package service

import (
	"context"
	"errors"
	"time"

	"realtime-election-backend/models"

	"gorm.io/gorm"
)

// ResultSnapshot 是一个投票实例的完整公共快照, 供实时结果缓存整体替换存储
type ResultSnapshot struct {
	EventID     uint              `json:"event_id"`
	PollResult  models.PollResult `json:"poll_result"`
	Poll        models.Poll       `json:"poll"`
	Tally       models.TallyEvent `json:"tally"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}

// ResultRef 标识一个可刷新的实例
type ResultRef struct {
	EventID      uint
	PollResultID uint
}

// SnapshotService 聚合投票实例的计票状态
type SnapshotService struct {
	db     *gorm.DB
	voters VoterLookup
}

func NewSnapshotService(db *gorm.DB, voters VoterLookup) *SnapshotService {
	return &SnapshotService{db: db, voters: voters}
}

// BuildTally 重新计算一个实例的计票事件负载
func (s *SnapshotService) BuildTally(ctx context.Context, pollResultID uint) (*models.TallyEvent, error) {
	var result models.PollResult
	if err := s.db.WithContext(ctx).First(&result, pollResultID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPollResultNotFound
		}
		return nil, err
	}
	var poll models.Poll
	if err := s.db.WithContext(ctx).First(&poll, result.PollID).Error; err != nil {
		return nil, err
	}

	var votedRecords []models.PollUserVoted
	if err := s.db.WithContext(ctx).
		Where("poll_result_id = ?", pollResultID).
		Find(&votedRecords).Error; err != nil {
		return nil, err
	}
	cycles := make(map[uint]int, len(votedRecords))
	votedCount := 0
	for _, rec := range votedRecords {
		cycles[rec.EventUserID] = rec.VoteCycle
		if rec.VoteCycle > 0 {
			votedCount++
		}
	}

	var answersCount int64
	if err := s.db.WithContext(ctx).Model(&models.PollAnswer{}).
		Where("poll_result_id = ?", pollResultID).
		Count(&answersCount).Error; err != nil {
		return nil, err
	}

	var pollUserCount int64
	if err := s.db.WithContext(ctx).Model(&models.PollUser{}).
		Where("poll_result_id = ?", pollResultID).
		Count(&pollUserCount).Error; err != nil {
		return nil, err
	}

	completed, err := s.usersCompleted(ctx, poll.EventID, cycles)
	if err != nil {
		return nil, err
	}

	return &models.TallyEvent{
		PollResultID:       result.ID,
		MaxVotes:           result.MaxVotes,
		MaxVoteCycles:      result.MaxVoteCycles,
		PollUserVoteCycles: cycles,
		PollUserVotedCount: votedCount,
		PollAnswersCount:   int(answersCount),
		PollUserCount:      int(pollUserCount),
		UsersCompleted:     completed,
		EventID:            poll.EventID,
	}, nil
}

// usersCompleted 判断是否所有合格投票人都已投完各自的配额
func (s *SnapshotService) usersCompleted(ctx context.Context, eventID uint, cycles map[uint]int) (bool, error) {
	voters, err := s.voters.EligibleVoters(ctx, eventID)
	if err != nil {
		return false, err
	}
	if len(voters) == 0 {
		return false, nil
	}
	for _, v := range voters {
		if cycles[v.ID] < v.VoteAmount {
			return false, nil
		}
	}
	return true, nil
}

// LoadSnapshot 执行一次权威读取, 构建实例的完整快照
func (s *SnapshotService) LoadSnapshot(ctx context.Context, pollResultID uint) (*ResultSnapshot, error) {
	var result models.PollResult
	if err := s.db.WithContext(ctx).First(&result, pollResultID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPollResultNotFound
		}
		return nil, err
	}
	var poll models.Poll
	if err := s.db.WithContext(ctx).Preload("Answers").First(&poll, result.PollID).Error; err != nil {
		return nil, err
	}
	tally, err := s.BuildTally(ctx, pollResultID)
	if err != nil {
		return nil, err
	}
	return &ResultSnapshot{
		EventID:     poll.EventID,
		PollResult:  result,
		Poll:        poll,
		Tally:       *tally,
		RefreshedAt: time.Now(),
	}, nil
}

// OpenPublicResults 发现当前所有开启且公开可见的实例, 供全局定时刷新
func (s *SnapshotService) OpenPublicResults(ctx context.Context) ([]ResultRef, error) {
	type row struct {
		EventID uint
		ID      uint
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.PollResult{}).
		Select("polls.event_id AS event_id, poll_results.id AS id").
		Joins("JOIN polls ON polls.id = poll_results.poll_id").
		Where("poll_results.closed = ? AND polls.visibility = ?", false, models.Public).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	refs := make([]ResultRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, ResultRef{EventID: r.EventID, PollResultID: r.ID})
	}
	return refs, nil
}
