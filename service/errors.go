package service

import "errors"

var (
	// 业务错误定义
	ErrEventNotFound      = errors.New("event not found")
	ErrPollNotFound       = errors.New("poll not found")
	ErrPollResultNotFound = errors.New("poll result not found")
	ErrVoterNotFound      = errors.New("event user not found")
	ErrNotAllowed         = errors.New("user is not allowed to vote")
	ErrPollClosed         = errors.New("poll is closed")
	ErrQuotaExceeded      = errors.New("vote quota exceeded")
)
