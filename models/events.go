package models

// 广播事件使用带类型的负载结构, 而不是开放式map。
// Kind标记事件种类, 订阅者按EventID过滤。

// EventKind tags the kind of a broadcast event
type EventKind string

const (
	KindPollOpened   EventKind = "new"
	KindPollClosed   EventKind = "closed"
	KindTallyUpdated EventKind = "tally"
)

// LifecycleEvent is published on the poll-lifecycle channel when a poll
// instance opens or closes. Poll携带完整的定义和所有可选答案,
// 保证下游负载自包含。
type LifecycleEvent struct {
	EventID    uint       `json:"event_id"`
	State      EventKind  `json:"state"`
	PollResult PollResult `json:"poll_result"`
	Poll       Poll       `json:"poll"`
}

// TallyEvent is published on the tally channel after accepted ballots
type TallyEvent struct {
	PollResultID       uint         `json:"poll_result_id"`
	MaxVotes           int          `json:"max_votes"`
	MaxVoteCycles      int          `json:"max_vote_cycles"`
	PollUserVoteCycles map[uint]int `json:"poll_user_vote_cycles"`
	PollUserVotedCount int          `json:"poll_user_voted_count"`
	PollAnswersCount   int          `json:"poll_answers_count"`
	PollUserCount      int          `json:"poll_user_count"`
	UsersCompleted     bool         `json:"users_completed_voting"`
	EventID            uint         `json:"event_id"`
}

// BroadcastEvent is the tagged union flowing through the broadcast layer
type BroadcastEvent struct {
	Kind      EventKind       `json:"kind"`
	EventID   uint            `json:"event_id"`
	Lifecycle *LifecycleEvent `json:"lifecycle,omitempty"`
	Tally     *TallyEvent     `json:"tally,omitempty"`
}
