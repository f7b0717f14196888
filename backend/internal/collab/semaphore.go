package collab

import (
	"context"
	"errors"
)

// DefaultMaxSemaphore 是外发请求（Kafka SendMessage 等）的默认并发上限。
const DefaultMaxSemaphore = 100

// SemaphoreControl 限制并发的外发请求数量。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("Acquire Reach time limit")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("Release Failed, semaphore is not acquired")
	}
}
