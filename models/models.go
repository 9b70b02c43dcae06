package models

import (
	"time"

	"gorm.io/gorm"
)

// AnswerType defines how voters answer a poll (fixed option list or free text)
// We use iota for enum-like behavior
type AnswerType int

const (
	SingleChoice AnswerType = iota // 0 从预定义答案中选择
	FreeForm                       // 1 自由文本答案
)

// Visibility 控制答案是否可以归属到具体投票人
type Visibility int

const (
	Secret Visibility = iota // 0 答案永远不与投票人关联
	Public                   // 1 答案和投票人参与情况可见
)

// Event represents one voting event (meeting). Async events are only closed
// by an explicit stop or the overdue-event sweep, never automatically.
type Event struct {
	gorm.Model
	Title       string     `gorm:"not null" json:"title"`
	Async       bool       `gorm:"default:false" json:"async"`    // 异步活动不自动关闭投票
	Finished    bool       `gorm:"default:false" json:"finished"` // 活动是否已结束
	EndDatetime *time.Time `json:"end_datetime,omitempty"`        // 异步活动的计划结束时间
}

// Poll represents a reusable poll definition (question template)
type Poll struct {
	gorm.Model
	EventID      uint             `gorm:"not null;index" json:"event_id"`
	Title        string           `gorm:"not null" json:"title"`
	PollText     string           `gorm:"type:text" json:"poll_text"`
	AnswerType   AnswerType       `gorm:"not null;default:0" json:"answer_type"`
	Visibility   Visibility       `gorm:"not null;default:0" json:"visibility"`
	AllowAbstain bool             `gorm:"default:false" json:"allow_abstain"`
	MinVotes     int              `gorm:"default:1" json:"min_votes"` // 每票最少选择的答案数
	MaxVotes     int              `gorm:"default:1" json:"max_votes"` // 每票最多选择的答案数
	Answers      []PossibleAnswer `gorm:"foreignKey:PollID" json:"possible_answers"`
}

// PossibleAnswer is one predefined answer option of a poll definition
type PossibleAnswer struct {
	gorm.Model
	PollID  uint   `gorm:"not null;index" json:"poll_id"`
	Content string `gorm:"not null" json:"content"`
}

// PollResult is one activation of a poll definition for an event.
// MaxVotes是所有合格投票人票数配额之和, MaxVoteCycles是合格投票人数量。
type PollResult struct {
	gorm.Model
	PollID        uint `gorm:"not null;index" json:"poll_id"`
	Closed        bool `gorm:"default:false" json:"closed"`
	MaxVotes      int  `gorm:"default:0" json:"max_votes"`
	MaxVoteCycles int  `gorm:"default:0" json:"max_vote_cycles"`
}

// EventUser is a participant of an event. VoteAmount是该用户在一个投票实例中
// 可以投出的总票数, 可由组织者在运行时调整(票数转移)。
type EventUser struct {
	gorm.Model
	EventID     uint   `gorm:"not null;index" json:"event_id"`
	Username    string `gorm:"not null" json:"username"`
	VoteAmount  int    `gorm:"default:0" json:"vote_amount"`
	AllowToVote bool   `gorm:"default:false" json:"allow_to_vote"`
	Verified    bool   `gorm:"default:false" json:"verified"`
	Online      bool   `gorm:"default:false" json:"online"`
}

// PollUser lazily binds an event user to a poll instance the first time the
// user is observed as eligible. 创建是幂等的, 重复创建不报错也不重复计数。
type PollUser struct {
	gorm.Model
	PollResultID uint `gorm:"not null;index:idx_poll_user,unique" json:"poll_result_id"`
	EventUserID  uint `gorm:"not null;index:idx_poll_user,unique" json:"event_user_id"`
}

// PollUserVoted is the vote cycle record: one row per (poll instance, voter)
// holding the number of completed ballots the voter has cast.
// 不变式: 0 <= VoteCycle <= EventUser.VoteAmount。
type PollUserVoted struct {
	gorm.Model
	PollResultID uint `gorm:"not null;index:idx_voted,unique" json:"poll_result_id"`
	EventUserID  uint `gorm:"not null;index:idx_voted,unique" json:"event_user_id"`
	VoteCycle    int  `gorm:"default:0" json:"vote_cycle"`
}

// PollAnswer is one submitted answer row. For SECRET polls PollUserID is
// nil so the answer can never be attributed to a voter.
type PollAnswer struct {
	gorm.Model
	PollResultID  uint   `gorm:"not null;index" json:"poll_result_id"`
	AnswerContent string `gorm:"not null" json:"answer_content"`
	PollUserID    *uint  `gorm:"index" json:"poll_user_id,omitempty"`
	BatchID       string `gorm:"size:36;index" json:"batch_id"` // 同一张选票的多个答案行共享一个批次ID
}
