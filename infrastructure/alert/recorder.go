package alert

import "sync"

// Dispatched 一次分发记录
type Dispatched struct {
	Type     string
	Priority string
	Message  string
	Data     map[string]interface{}
}

// Recorder 记录所有分发调用的Dispatcher（用于测试）
type Recorder struct {
	mu     sync.Mutex
	events []Dispatched
}

var _ Dispatcher = (*Recorder)(nil)

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Dispatch(alertType, priority, message string, data map[string]interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Dispatched{Type: alertType, Priority: priority, Message: message, Data: data})
	return true
}

// Events 返回全部记录
func (r *Recorder) Events() []Dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dispatched(nil), r.events...)
}

// Count 某类事件的次数
func (r *Recorder) Count(alertType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == alertType {
			n++
		}
	}
	return n
}
