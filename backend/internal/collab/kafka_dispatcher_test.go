package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func testDispatcher(producer sarama.SyncProducer) *KafkaDispatcher {
	return NewKafkaDispatcher(producer, "collab-updates", NewSemaphoreControl(4), KafkaDispatcherOptions{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})
}

func TestDispatcherSendsEvent(t *testing.T) {
	sent := make(chan []byte, 1)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		sent <- val
		return nil
	})
	d := testDispatcher(producer)

	evt := CollabEvent{
		EventType: "UPDATE_APPLIED",
		ObjectID:  "o",
		Origin:    "conn-1",
		Update:    []byte{1, 2, 3},
		AppliedAt: time.Now(),
	}
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case val := <-sent:
		var got CollabEvent
		if err := json.Unmarshal(val, &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.EventType != "UPDATE_APPLIED" || got.ObjectID != "o" || got.Origin != "conn-1" {
			t.Fatalf("payload = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never reached the producer")
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	done := make(chan struct{}, 1)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrBrokerNotAvailable)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		done <- struct{}{}
		return nil
	})
	d := testDispatcher(producer)

	if err := d.Enqueue(context.Background(), CollabEvent{EventType: "UPDATE_APPLIED", ObjectID: "o"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("send never succeeded after transient failure")
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}

func TestDispatcherDropsAfterMaxRetry(t *testing.T) {
	attempts := make(chan struct{}, 8)
	producer := mocks.NewSyncProducer(t, nil)
	// MaxRetry=2 → 最多 3 次尝试，之后丢弃
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithCheckerFunctionAndFail(func(val []byte) error {
			attempts <- struct{}{}
			return nil
		}, sarama.ErrBrokerNotAvailable)
	}
	d := testDispatcher(producer)

	if err := d.Enqueue(context.Background(), CollabEvent{EventType: "UPDATE_APPLIED", ObjectID: "o"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never happened", i+1)
		}
	}
	// 第 4 次尝试不该出现（mock 对未预期的发送会直接报错）
	time.Sleep(20 * time.Millisecond)
	if err := producer.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}
}
