package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"realtime-election-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAnswerAccepted(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 2)
	poll := seedPoll(t, db, event.ID, models.Secret)

	pub := &recordingPublisher{}
	engine := NewEngine(db, pub, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID:  result.ID,
		EventUserID:   users[0].ID,
		AnswerContent: "Yes",
	})
	require.NoError(t, err)
	assert.True(t, accepted)

	cycle, err := engine.Tracker.CurrentCycle(ctx, result.ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle)

	tallies := pub.tallyEvents()
	require.NotEmpty(t, tallies)
	last := tallies[len(tallies)-1]
	assert.Equal(t, result.ID, last.PollResultID)
	assert.Equal(t, 1, last.PollAnswersCount)
	assert.Equal(t, 1, last.PollUserVotedCount)
	assert.Equal(t, 1, last.PollUserVoteCycles[users[0].ID])
	assert.False(t, last.UsersCompleted)
}

func TestSubmitAnswerQuotaRejectedIsNotAnError(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Yes",
	})
	require.NoError(t, err)
	require.True(t, accepted)

	// 配额用尽后的提交以失败结果返回, 不是错误
	accepted, err = engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "No",
	})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSubmitAnswerClosedPollRejected(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Lifecycle.Close(ctx, result.ID))

	accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Yes",
	})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSubmitAnswerValidatesContent(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 3)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	// 单选类型必须命中预定义答案
	accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Maybe",
	})
	require.NoError(t, err)
	assert.False(t, accepted)

	// 不允许弃权时空答案被拒绝
	accepted, err = engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "",
	})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSubmitAnswerAllowsAbstain(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)
	require.NoError(t, db.Model(poll).UpdateColumn("allow_abstain", true).Error)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "",
	})
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestSecretPollNeverAttributesAnswers(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	_, err = engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Yes",
	})
	require.NoError(t, err)

	var rows []models.PollAnswer
	require.NoError(t, db.Where("poll_result_id = ?", result.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].PollUserID, "秘密投票的答案永远不关联投票人")
	assert.NotEmpty(t, rows[0].BatchID)
}

func TestPublicPollAttributesAnswers(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Public)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	_, err = engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Yes",
	})
	require.NoError(t, err)

	var rows []models.PollAnswer
	require.NoError(t, db.Where("poll_result_id = ?", result.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].PollUserID)

	var pu models.PollUser
	require.NoError(t, db.First(&pu, *rows[0].PollUserID).Error)
	assert.Equal(t, users[0].ID, pu.EventUserID)
}

func TestMultiItemBallotCountsOnce(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)
	require.NoError(t, db.Model(poll).UpdateColumn("max_votes", 2).Error)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	// 一张两项选票: 同一个ballot_id, 只有最后一项推进周期
	ballotID := "ballot-multi-1"
	for item := 1; item <= 2; item++ {
		content := "Yes"
		if item == 2 {
			content = "No"
		}
		accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
			PollResultID:     result.ID,
			EventUserID:      users[0].ID,
			AnswerContent:    content,
			AnswerItemCount:  2,
			AnswerItemLength: item,
			BallotID:         ballotID,
		})
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	cycle, err := engine.Tracker.CurrentCycle(ctx, result.ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle, "一张多选选票只计一票")

	var count int64
	require.NoError(t, db.Model(&models.PollAnswer{}).
		Where("poll_result_id = ? AND batch_id = ?", result.ID, ballotID).
		Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestSubmitBulkCapsAtRemaining(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 40)
	poll := seedPoll(t, db, event.ID, models.Secret)

	pub := &recordingPublisher{}
	engine := NewEngine(db, pub, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	accepted, err := engine.SubmitBulkAnswer(ctx, BulkSubmitRequest{
		PollResultID:   result.ID,
		EventUserID:    users[0].ID,
		VoteCount:      1000,
		AnswerContents: []string{"Yes", "No"},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, accepted, "超出剩余配额的票直接丢弃")

	cycle, err := engine.Tracker.CurrentCycle(ctx, result.ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 40, cycle)

	var count int64
	require.NoError(t, db.Model(&models.PollAnswer{}).
		Where("poll_result_id = ?", result.ID).Count(&count).Error)
	assert.EqualValues(t, 40, count)
}

func TestSubmitBulkAutoClosesWhenExhausted(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 3)
	poll := seedPoll(t, db, event.ID, models.Secret)

	pub := &recordingPublisher{}
	engine := NewEngine(db, pub, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	accepted, err := engine.SubmitBulkAnswer(ctx, BulkSubmitRequest{
		PollResultID:   result.ID,
		EventUserID:    users[0].ID,
		VoteCount:      3,
		AnswerContents: []string{"Yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, accepted)

	// 唯一的投票人用尽配额, 同步活动的实例自动关闭
	var stored models.PollResult
	require.NoError(t, db.First(&stored, result.ID).Error)
	assert.True(t, stored.Closed)

	events := pub.lifecycleEvents()
	require.Len(t, events, 2)
	assert.Equal(t, models.KindPollClosed, events[1].State)

	tallies := pub.tallyEvents()
	require.NotEmpty(t, tallies)
	assert.True(t, tallies[len(tallies)-1].UsersCompleted)
}

func TestSubmitBulkZeroRemaining(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, true, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	_, err = engine.SubmitBulkAnswer(ctx, BulkSubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID,
		VoteCount: 1, AnswerContents: []string{"Yes"},
	})
	require.NoError(t, err)

	accepted, err := engine.SubmitBulkAnswer(ctx, BulkSubmitRequest{
		PollResultID: result.ID, EventUserID: users[0].ID,
		VoteCount: 5, AnswerContents: []string{"Yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)
}

func TestSubmitAnswerUnknownInstance(t *testing.T) {
	db := setupTestDB(t)
	_, users := seedEvent(t, db, false, 1)
	engine := NewEngine(db, nil, nil)

	_, err := engine.SubmitAnswer(context.Background(), SubmitRequest{
		PollResultID: 123, EventUserID: users[0].ID, AnswerContent: "Yes",
	})
	assert.ErrorIs(t, err, ErrPollResultNotFound)
}

func TestSubmitAnswerUnknownVoter(t *testing.T) {
	db := setupTestDB(t)
	event, _ := seedEvent(t, db, false, 1)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	_, err = engine.SubmitAnswer(ctx, SubmitRequest{
		PollResultID: result.ID, EventUserID: 999, AnswerContent: "Yes",
	})
	assert.ErrorIs(t, err, ErrVoterNotFound)
}

// 并发提交下配额不变式必须保持: 10个并发请求争抢3票配额,
// 恰好3票被接受, 最终周期等于配额, 不会超发也不会漏发。
func TestConcurrentSubmissionsHonorQuota(t *testing.T) {
	db := setupTestDB(t)
	event, users := seedEvent(t, db, false, 3)
	poll := seedPoll(t, db, event.ID, models.Secret)

	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	result, err := engine.Lifecycle.Open(ctx, poll.ID)
	require.NoError(t, err)

	const attempts = 10
	var wg sync.WaitGroup
	var acceptedCount int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted, err := engine.SubmitAnswer(ctx, SubmitRequest{
				PollResultID: result.ID, EventUserID: users[0].ID, AnswerContent: "Yes",
			})
			assert.NoError(t, err)
			if accepted {
				atomic.AddInt32(&acceptedCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), acceptedCount)

	cycle, err := engine.Tracker.CurrentCycle(ctx, result.ID, users[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cycle)

	var rows int64
	require.NoError(t, db.Model(&models.PollAnswer{}).
		Where("poll_result_id = ?", result.ID).Count(&rows).Error)
	assert.Equal(t, int64(3), rows)
}
