package conversation

import "github.com/zhouzirui/chatmate/backend/internal/model/chat"

// EventType 会话事件类型
type EventType string

const (
	EventMessage EventType = "message" // 追加一条消息
	EventDelta   EventType = "delta"   // 尾部消息追加片段
	EventUpdate  EventType = "update"  // 消息内容被替换
	EventLoading EventType = "loading"
	EventError   EventType = "error" // Error 为空表示清除
)

// Event describes one state change of a Controller.
type Event struct {
	Type    EventType     `json:"type"`
	Index   int           `json:"index"`
	Message *chat.Message `json:"message,omitempty"`
	Delta   string        `json:"delta,omitempty"`
	Loading bool          `json:"loading"`
	Error   string        `json:"error,omitempty"`
}

// Listener receives events synchronously, in order, outside the state lock.
type Listener func(Event)

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) emit(events ...Event) {
	c.listenersMu.Lock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.Unlock()

	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
		if turn != nil {
			turn(ev)
		}
	}
}
