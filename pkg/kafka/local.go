package kafka

import (
	"context"
	"sync"

	"mydouble-go/pkg/log"
	"mydouble-go/pkg/tasks"
)

// LocalBus 是未启用 Kafka 时的进程内 Publisher，事件按顺序交给 handler。
type LocalBus struct {
	handler EventHandler
	events  chan tasks.JobEvent
	wg      sync.WaitGroup
	once    sync.Once
}

// NewLocalBus 创建进程内事件总线并启动分发协程。
func NewLocalBus(handler EventHandler, buffer int) *LocalBus {
	b := &LocalBus{handler: handler, events: make(chan tasks.JobEvent, buffer)}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *LocalBus) loop() {
	defer b.wg.Done()
	for event := range b.events {
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err := b.handler.HandleJobEvent(context.Background(), event)
			if err == nil {
				break
			}
			log.Errorf("处理任务事件失败(第%d次): job=%s, Error: %v", attempt, event.JobID, err)
		}
	}
}

func (b *LocalBus) Publish(ctx context.Context, event tasks.JobEvent) error {
	select {
	case b.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收事件并等待已入队事件处理完毕。
func (b *LocalBus) Close() error {
	b.once.Do(func() {
		close(b.events)
	})
	b.wg.Wait()
	return nil
}
