package collab

import "errors"

var (
	// ErrRecordNotFound：对象既没有常驻状态也没有落盘快照
	ErrRecordNotFound = errors.New("RECORD_NOT_FOUND")
	// ErrMergeRejected：更新无法解析，丢弃但不污染文档
	ErrMergeRejected = errors.New("MERGE_REJECTED")
	ErrNotSubscribed = errors.New("NOT_SUBSCRIBED")
)
