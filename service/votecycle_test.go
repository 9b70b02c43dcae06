package service

import (
	"context"
	"testing"

	"realtime-election-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answerRow(pollResultID uint, content string) []models.PollAnswer {
	return []models.PollAnswer{{
		PollResultID:  pollResultID,
		AnswerContent: content,
		BatchID:       "test-batch",
	}}
}

func TestAcceptBallotAdvancesCycle(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 3)
	voter := &users[0]
	tracker := NewVoteCycleTracker(db)
	ctx := context.Background()

	result := models.PollResult{PollID: 1, MaxVotes: 3, MaxVoteCycles: 1}
	require.NoError(t, db.Create(&result).Error)

	cycle, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "Yes"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle)

	cycle, err = tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "No"), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, cycle)

	stored, err := tracker.CurrentCycle(ctx, result.ID, voter.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
}

func TestAcceptBallotRejectsOverQuota(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 2)
	voter := &users[0]
	tracker := NewVoteCycleTracker(db)
	ctx := context.Background()

	result := models.PollResult{PollID: 1, MaxVotes: 2, MaxVoteCycles: 1}
	require.NoError(t, db.Create(&result).Error)

	for i := 0; i < 2; i++ {
		_, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "Yes"), 1)
		require.NoError(t, err)
	}

	_, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "Yes"), 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// 被拒绝的提交不能留下答案行
	var count int64
	require.NoError(t, db.Model(&models.PollAnswer{}).
		Where("poll_result_id = ?", result.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	cycle, err := tracker.CurrentCycle(ctx, result.ID, voter.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cycle)
}

func TestAcceptBallotMidItemsDoNotAdvanceCycle(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 1)
	voter := &users[0]
	tracker := NewVoteCycleTracker(db)
	ctx := context.Background()

	result := models.PollResult{PollID: 1, MaxVotes: 1, MaxVoteCycles: 1}
	require.NoError(t, db.Create(&result).Error)

	// 一张三项选票: 前两项increment=0, 最后一项推进周期
	for i := 0; i < 2; i++ {
		cycle, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "Yes"), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, cycle)
	}
	cycle, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "No"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle)

	var count int64
	require.NoError(t, db.Model(&models.PollAnswer{}).
		Where("poll_result_id = ?", result.ID).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestAcceptBallotMidItemsNeedCycleCapacity(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 1)
	voter := &users[0]
	tracker := NewVoteCycleTracker(db)
	ctx := context.Background()

	result := models.PollResult{PollID: 1, MaxVotes: 1, MaxVoteCycles: 1}
	require.NoError(t, db.Create(&result).Error)

	_, err := tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "Yes"), 1)
	require.NoError(t, err)

	// 配额用尽后连不推进周期的中间项也要被拒绝
	_, err = tracker.AcceptBallot(ctx, result.ID, voter, answerRow(result.ID, "No"), 0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestEnsurePollUserIdempotent(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 1)
	tracker := NewVoteCycleTracker(db)
	ctx := context.Background()

	first, err := tracker.EnsurePollUser(ctx, 7, users[0].ID)
	require.NoError(t, err)
	second, err := tracker.EnsurePollUser(ctx, 7, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.PollUser{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
