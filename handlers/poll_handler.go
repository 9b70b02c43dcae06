package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"realtime-election-backend/database"
	"realtime-election-backend/models"
	"realtime-election-backend/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreatePollInput defines the expected input structure for creating a poll
type CreatePollInput struct {
	EventID      uint                `json:"event_id" binding:"required"`
	Title        string              `json:"title" binding:"required"`
	PollText     string              `json:"poll_text"`
	AnswerType   models.AnswerType   `json:"answer_type" binding:"omitempty,oneof=0 1"`
	Visibility   models.Visibility   `json:"visibility" binding:"omitempty,oneof=0 1"`
	AllowAbstain bool                `json:"allow_abstain"`
	MinVotes     *int                `json:"min_votes,omitempty"`
	MaxVotes     *int                `json:"max_votes,omitempty"`
	Answers      []CreateAnswerInput `json:"possible_answers"`
}

// CreateAnswerInput defines one predefined answer option
type CreateAnswerInput struct {
	Content string `json:"content" binding:"required"`
}

// CreatePoll handles the creation of a new poll definition
func CreatePoll(c *gin.Context) {
	var input CreatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("收到创建投票请求: Title=%s, AnswerType=%d", input.Title, input.AnswerType)

	// 单选类型必须提供至少两个预定义答案, 自由文本类型答案列表可为空
	if input.AnswerType == models.SingleChoice && len(input.Answers) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A single-choice poll must have at least two possible answers"})
		return
	}

	var event models.Event
	if err := database.DB.First(&event, input.EventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event"})
		}
		return
	}

	poll := models.Poll{
		EventID:      event.ID,
		Title:        input.Title,
		PollText:     input.PollText,
		AnswerType:   input.AnswerType,
		Visibility:   input.Visibility,
		AllowAbstain: input.AllowAbstain,
		MinVotes:     1,
		MaxVotes:     1,
	}
	if input.MinVotes != nil && *input.MinVotes > 0 {
		poll.MinVotes = *input.MinVotes
	}
	if input.MaxVotes != nil && *input.MaxVotes > 0 {
		poll.MaxVotes = *input.MaxVotes
	}
	if poll.MaxVotes < poll.MinVotes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_votes must not be less than min_votes"})
		return
	}

	// Use a transaction to ensure atomicity
	tx := database.DB.Begin()
	if tx.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start transaction"})
		return
	}

	if err := tx.Create(&poll).Error; err != nil {
		tx.Rollback()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create poll"})
		return
	}

	if len(input.Answers) > 0 {
		answers := make([]models.PossibleAnswer, len(input.Answers))
		for i, a := range input.Answers {
			answers[i] = models.PossibleAnswer{
				PollID:  poll.ID,
				Content: a.Content,
			}
		}
		if err := tx.Create(&answers).Error; err != nil {
			tx.Rollback()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create possible answers"})
			return
		}
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to commit transaction"})
		return
	}

	var created models.Poll
	if err := database.DB.Preload("Answers").First(&created, poll.ID).Error; err != nil {
		log.Printf("Warning: Failed to reload poll with answers after creation: %v", err)
		c.JSON(http.StatusCreated, poll)
		return
	}

	log.Printf("投票定义创建成功: ID=%d, Title=%s", created.ID, created.Title)
	c.JSON(http.StatusCreated, created)
}

// GetPolls retrieves the poll definitions of an event
func GetPolls(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	var polls []models.Poll
	if err := database.DB.Preload("Answers").
		Where("event_id = ?", eventID).
		Order("created_at desc").
		Find(&polls).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve polls"})
		return
	}
	c.JSON(http.StatusOK, polls)
}

// GetPoll handles retrieving a single poll definition by ID
func GetPoll(c *gin.Context) {
	pollID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll ID format"})
		return
	}

	var poll models.Poll
	if err := database.DB.Preload("Answers").First(&poll, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve poll"})
		}
		return
	}
	c.JSON(http.StatusOK, poll)
}

// UpdatePollInput uses pointers to distinguish between empty and not provided
type UpdatePollInput struct {
	Title        *string            `json:"title,omitempty"`
	PollText     *string            `json:"poll_text,omitempty"`
	AnswerType   *models.AnswerType `json:"answer_type,omitempty" binding:"omitempty,oneof=0 1"`
	Visibility   *models.Visibility `json:"visibility,omitempty" binding:"omitempty,oneof=0 1"`
	AllowAbstain *bool              `json:"allow_abstain,omitempty"`
	MinVotes     *int               `json:"min_votes,omitempty"`
	MaxVotes     *int               `json:"max_votes,omitempty"`
}

// UpdatePoll updates a poll definition. 已有开启实例的定义不可修改,
// 运行中的修改会使正在进行的计票失去意义。
func UpdatePoll(c *gin.Context) {
	pollID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll ID format"})
		return
	}

	var input UpdatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		log.Printf("绑定JSON失败: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var poll models.Poll
	if err := database.DB.First(&poll, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve poll"})
		}
		return
	}

	var openCount int64
	if err := database.DB.Model(&models.PollResult{}).
		Where("poll_id = ? AND closed = ?", pollID, false).
		Count(&openCount).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check poll state"})
		return
	}
	if openCount > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Poll has an open instance and cannot be modified"})
		return
	}

	updates := map[string]interface{}{}
	if input.Title != nil {
		updates["title"] = *input.Title
	}
	if input.PollText != nil {
		updates["poll_text"] = *input.PollText
	}
	if input.AnswerType != nil {
		updates["answer_type"] = *input.AnswerType
	}
	if input.Visibility != nil {
		updates["visibility"] = *input.Visibility
	}
	if input.AllowAbstain != nil {
		updates["allow_abstain"] = *input.AllowAbstain
	}
	if input.MinVotes != nil && *input.MinVotes > 0 {
		updates["min_votes"] = *input.MinVotes
	}
	if input.MaxVotes != nil && *input.MaxVotes > 0 {
		updates["max_votes"] = *input.MaxVotes
	}
	if len(updates) > 0 {
		if err := database.DB.Model(&poll).Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update poll"})
			return
		}
	}

	var updated models.Poll
	if err := database.DB.Preload("Answers").First(&updated, pollID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reload poll"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeletePoll removes a poll definition and its possible answers
func DeletePoll(c *gin.Context) {
	pollID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll ID format"})
		return
	}

	var openCount int64
	if err := database.DB.Model(&models.PollResult{}).
		Where("poll_id = ? AND closed = ?", pollID, false).
		Count(&openCount).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check poll state"})
		return
	}
	if openCount > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Poll has an open instance and cannot be deleted"})
		return
	}

	tx := database.DB.Begin()
	if tx.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start transaction"})
		return
	}
	if err := tx.Where("poll_id = ?", pollID).Delete(&models.PossibleAnswer{}).Error; err != nil {
		tx.Rollback()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete possible answers"})
		return
	}
	result := tx.Delete(&models.Poll{}, pollID)
	if result.Error != nil {
		tx.Rollback()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete poll"})
		return
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}
	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to commit transaction"})
		return
	}

	log.Printf("投票定义 %d 已删除", pollID)
	c.JSON(http.StatusOK, gin.H{"message": "Poll deleted"})
}

// StartPoll activates a poll definition: creates a poll instance,
// broadcasts the open event and begins live-result caching for the event.
func StartPoll(c *gin.Context) {
	pollID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll ID format"})
		return
	}

	result, err := engine.Lifecycle.Open(c.Request.Context(), pollID)
	if err != nil {
		if errors.Is(err, service.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start poll"})
		return
	}

	// 新实例记入布隆过滤器, 结果查询用它挡住对不存在实例的穿透读
	if bloomFilter != nil {
		if err := bloomFilter.AddPollResult(context.Background(), result.ID); err != nil {
			log.Printf("警告: 实例 %d 记入布隆过滤器失败: %v", result.ID, err)
		}
	}

	var poll models.Poll
	if err := database.DB.First(&poll, pollID).Error; err == nil && resultCache != nil {
		resultCache.StartCaching(poll.EventID)
	}

	log.Printf("投票 %d 已开启, 实例ID=%d, MaxVotes=%d, MaxVoteCycles=%d",
		pollID, result.ID, result.MaxVotes, result.MaxVoteCycles)
	c.JSON(http.StatusCreated, result)
}

// StopPoll closes a poll instance. 关闭是幂等的, 重复调用也会重新广播关闭事件。
func StopPoll(c *gin.Context) {
	pollResultID, err := parseUintParam(c, "resultId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll result ID format"})
		return
	}

	if err := engine.Lifecycle.Close(c.Request.Context(), pollResultID); err != nil {
		if errors.Is(err, service.ErrPollResultNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll instance not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to stop poll"})
		return
	}

	log.Printf("投票实例 %d 已关闭", pollResultID)
	c.JSON(http.StatusOK, gin.H{"message": "Poll closed"})
}
