package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 生命周期事件类型
type EventType string

const (
	// EventConnected 连接建立
	EventConnected EventType = "connection.established"
	// EventDisconnected 连接断开
	EventDisconnected EventType = "connection.closed"
	// EventMessageReceived 收到入站消息
	EventMessageReceived EventType = "message.received"
	// EventMessageSent 出站消息已入队
	EventMessageSent EventType = "message.sent"
	// EventEvicted 心跳失败被强制驱逐
	EventEvicted EventType = "connection.evicted"
)

// Event 生命周期事件
type Event struct {
	Type     EventType
	Identity string
	Role     string
	Data     any
	Time     time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 事件总线
//
// 替代回调式生命周期钩子：消费方通过 Subscribe 注册类型化处理器，
// 处理器在固定大小的 worker 池中异步执行，单连接事件不保证与
// 入站分发同步，但连接/断开事件以阻塞提交保证不轻易丢失。
type EventBus struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
	workerCh chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		workerCh: make(chan func(), 1024),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < 8; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker 工作协程
func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			task()
		case <-eb.stopCh:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish 发布事件（异步）
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		h := handler

		// 连接/断开事件以有限阻塞提交，其余非阻塞、满则丢弃
		if event.Type == EventConnected || event.Type == EventDisconnected {
			select {
			case eb.workerCh <- func() { h(event) }:
			case <-time.After(100 * time.Millisecond):
				eb.dropped.Add(1)
			}
		} else {
			select {
			case eb.workerCh <- func() { h(event) }:
			default:
				eb.dropped.Add(1)
			}
		}
	}
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	eb.closed.Store(true)
	close(eb.stopCh)
	eb.wg.Wait()
	// workerCh 不关闭，避免并发 Publish 触发 panic；残余任务交给 GC
}

// Dropped 被丢弃的事件数量
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}
