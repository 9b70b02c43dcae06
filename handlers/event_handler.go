package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"realtime-election-backend/database"
	"realtime-election-backend/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreateEventInput defines the expected input structure for creating an event
type CreateEventInput struct {
	Title       string     `json:"title" binding:"required"`
	Async       bool       `json:"async"`
	EndDatetime *time.Time `json:"end_datetime,omitempty"`
}

// CreateEvent handles the creation of a new voting event
func CreateEvent(c *gin.Context) {
	var input CreateEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 异步活动必须有计划结束时间, 否则过期清扫永远不会触发
	if input.Async && input.EndDatetime == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Async events require an end datetime"})
		return
	}
	if input.EndDatetime != nil && input.EndDatetime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "End datetime must be in the future"})
		return
	}

	event := models.Event{
		Title:       input.Title,
		Async:       input.Async,
		EndDatetime: input.EndDatetime,
	}
	if err := database.DB.Create(&event).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create event"})
		return
	}

	log.Printf("活动创建成功: ID=%d, Title=%s, Async=%v", event.ID, event.Title, event.Async)
	c.JSON(http.StatusCreated, event)
}

// GetEvent handles retrieving a single event by ID
func GetEvent(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	var event models.Event
	if err := database.DB.First(&event, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event"})
		}
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetEvents retrieves all events, newest first
func GetEvents(c *gin.Context) {
	var events []models.Event
	if err := database.DB.Order("created_at desc").Find(&events).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve events"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// FinishEvent marks an event as finished. 已结束的活动不再接受投票操作。
func FinishEvent(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	result := database.DB.Model(&models.Event{}).
		Where("id = ?", eventID).
		UpdateColumn("finished", true)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to finish event"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}

	log.Printf("活动 %d 已标记为结束", eventID)
	c.JSON(http.StatusOK, gin.H{"message": "Event finished"})
}

// CreateEventUserInput defines the input for registering a participant
type CreateEventUserInput struct {
	Username    string `json:"username" binding:"required"`
	VoteAmount  int    `json:"vote_amount"`
	AllowToVote bool   `json:"allow_to_vote"`
	Verified    bool   `json:"verified"`
}

// CreateEventUser registers a participant for an event
func CreateEventUser(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	var input CreateEventUserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.VoteAmount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Vote amount must not be negative"})
		return
	}

	var event models.Event
	if err := database.DB.First(&event, eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event"})
		}
		return
	}

	user := models.EventUser{
		EventID:     event.ID,
		Username:    input.Username,
		VoteAmount:  input.VoteAmount,
		AllowToVote: input.AllowToVote,
		Verified:    input.Verified,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create event user"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

// GetEventUsers retrieves all participants of an event
func GetEventUsers(c *gin.Context) {
	eventID, err := parseUintParam(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event ID format"})
		return
	}

	var users []models.EventUser
	if err := database.DB.Where("event_id = ?", eventID).Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

// UpdateEventUserInput 使用指针字段区分未提供和零值
type UpdateEventUserInput struct {
	VoteAmount  *int  `json:"vote_amount,omitempty"`
	AllowToVote *bool `json:"allow_to_vote,omitempty"`
	Verified    *bool `json:"verified,omitempty"`
	Online      *bool `json:"online,omitempty"`
}

// UpdateEventUser adjusts a participant's quota and flags at runtime.
// 票数转移场景: 组织者在投票进行中调高或调走某个用户的配额,
// 配额校验按当前值生效, 不回溯已接受的选票。
func UpdateEventUser(c *gin.Context) {
	userID, err := parseUintParam(c, "userId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event user ID format"})
		return
	}

	var input UpdateEventUserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.VoteAmount != nil && *input.VoteAmount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Vote amount must not be negative"})
		return
	}

	var user models.EventUser
	if err := database.DB.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event user not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve event user"})
		}
		return
	}

	updates := map[string]interface{}{}
	if input.VoteAmount != nil {
		updates["vote_amount"] = *input.VoteAmount
	}
	if input.AllowToVote != nil {
		updates["allow_to_vote"] = *input.AllowToVote
	}
	if input.Verified != nil {
		updates["verified"] = *input.Verified
	}
	if input.Online != nil {
		updates["online"] = *input.Online
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, user)
		return
	}

	if err := database.DB.Model(&user).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update event user"})
		return
	}

	log.Printf("用户 %d 配额更新: %v", user.ID, updates)
	c.JSON(http.StatusOK, user)
}

// parseUintParam 解析URL中的数字参数
func parseUintParam(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
