package notify

import (
	"sync"
	"sync/atomic"
)

// Registry 身份标识到活跃连接的映射
//
// 单进程内寻址的唯一事实来源：一个身份最多映射一条活跃连接，
// 后写者胜。不跨进程共享。
type Registry struct {
	clients sync.Map     // identity -> *Client
	count   atomic.Int64 // 连接数
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{}
}

// Put 注册连接，返回被替换的旧连接（没有则为 nil）
func (r *Registry) Put(c *Client) *Client {
	prev, loaded := r.clients.Swap(c.Identity, c)
	if !loaded {
		r.count.Add(1)
		return nil
	}
	return prev.(*Client)
}

// Drop 移除连接
//
// 仅当注册表中的当前条目正是 c 时才删除，避免误删替换后的新连接。
// 重复移除是空操作。
func (r *Registry) Drop(c *Client) bool {
	if r.clients.CompareAndDelete(c.Identity, c) {
		r.count.Add(-1)
		return true
	}
	return false
}

// Get 按身份查找连接
func (r *Registry) Get(identity string) (*Client, bool) {
	value, ok := r.clients.Load(identity)
	if !ok {
		return nil, false
	}
	return value.(*Client), true
}

// Count 当前连接数
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Range 遍历所有连接
func (r *Registry) Range(f func(*Client) bool) {
	r.clients.Range(func(_, value any) bool {
		return f(value.(*Client))
	})
}

// Snapshot 所有连接的快照
func (r *Registry) Snapshot() []*Client {
	clients := make([]*Client, 0, r.Count())
	r.Range(func(c *Client) bool {
		clients = append(clients, c)
		return true
	})
	return clients
}
