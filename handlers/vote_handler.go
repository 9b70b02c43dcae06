package handlers

import (
	"errors"
	"net/http"

	"realtime-election-backend/service"

	"github.com/gin-gonic/gin"
)

// SubmitAnswerInput 单张选票中一个答案项的HTTP负载
type SubmitAnswerInput struct {
	EventUserID      uint   `json:"event_user_id" binding:"required"`
	AnswerContent    string `json:"answer_content"`
	AnswerItemCount  int    `json:"answer_item_count"`
	AnswerItemLength int    `json:"answer_item_length"`
	BallotID         string `json:"ballot_id,omitempty"`
}

// SubmitAnswer handles one answer item of a ballot.
// 配额拒绝、无效答案和已关闭实例都返回200加accepted=false,
// 它们是投票的正常结局而不是请求错误。
func SubmitAnswer(c *gin.Context) {
	pollResultID, err := parseUintParam(c, "resultId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll result ID format"})
		return
	}

	var input SubmitAnswerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := engine.SubmitAnswer(c.Request.Context(), service.SubmitRequest{
		PollResultID:     pollResultID,
		EventUserID:      input.EventUserID,
		AnswerContent:    input.AnswerContent,
		AnswerItemCount:  input.AnswerItemCount,
		AnswerItemLength: input.AnswerItemLength,
		BallotID:         input.BallotID,
	})
	if err != nil {
		writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// SubmitBulkAnswerInput 批量投票的HTTP负载
type SubmitBulkAnswerInput struct {
	EventUserID    uint     `json:"event_user_id" binding:"required"`
	VoteCount      int      `json:"vote_count" binding:"required,min=1"`
	AnswerContents []string `json:"answer_contents"`
}

// SubmitBulkAnswer handles a bulk ballot submission and reports how many
// votes were actually accepted. 超出配额或批次上限的部分直接丢弃。
func SubmitBulkAnswer(c *gin.Context) {
	pollResultID, err := parseUintParam(c, "resultId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll result ID format"})
		return
	}

	var input SubmitBulkAnswerInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := engine.SubmitBulkAnswer(c.Request.Context(), service.BulkSubmitRequest{
		PollResultID:   pollResultID,
		EventUserID:    input.EventUserID,
		VoteCount:      input.VoteCount,
		AnswerContents: input.AnswerContents,
	})
	if err != nil {
		writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requested": input.VoteCount,
		"accepted":  accepted,
	})
}

// writeSubmitError 把引擎错误映射为HTTP状态码
func writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPollResultNotFound),
		errors.Is(err, service.ErrPollNotFound),
		errors.Is(err, service.ErrVoterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit vote"})
	}
}
