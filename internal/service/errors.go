package service

import "errors"

var (
	// ErrAuthenticationFailed 凭证缺失或不匹配
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSweepInProgress 另一个清理任务正在运行
	ErrSweepInProgress = errors.New("expiration sweep already running")
)
