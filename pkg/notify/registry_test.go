package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry()
	c := &Client{Identity: "user-1"}

	prev := r.Put(c)
	assert.Nil(t, prev)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("user-1")
	assert.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.Get("user-2")
	assert.False(t, ok)
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()
	old := &Client{Identity: "user-1"}
	replacement := &Client{Identity: "user-1"}

	assert.Nil(t, r.Put(old))
	prev := r.Put(replacement)
	assert.Same(t, old, prev)
	// 替换不增加计数
	assert.Equal(t, 1, r.Count())

	got, _ := r.Get("user-1")
	assert.Same(t, replacement, got)
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry()
	c := &Client{Identity: "user-1"}
	r.Put(c)

	assert.True(t, r.Drop(c))
	assert.Equal(t, 0, r.Count())

	// 重复移除为空操作
	assert.False(t, r.Drop(c))
	assert.Equal(t, 0, r.Count())
}

func TestRegistryDropDoesNotRemoveReplacement(t *testing.T) {
	r := NewRegistry()
	old := &Client{Identity: "user-1"}
	replacement := &Client{Identity: "user-1"}

	r.Put(old)
	r.Put(replacement)

	// 旧连接的延迟清理不能删掉替换后的新连接
	assert.False(t, r.Drop(old))
	got, ok := r.Get("user-1")
	assert.True(t, ok)
	assert.Same(t, replacement, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Put(&Client{Identity: "user-1"})
	r.Put(&Client{Identity: "user-2"})
	r.Put(&Client{Identity: "user-3"})

	snap := r.Snapshot()
	assert.Len(t, snap, 3)

	identities := make(map[string]bool)
	for _, c := range snap {
		identities[c.Identity] = true
	}
	assert.True(t, identities["user-1"])
	assert.True(t, identities["user-2"])
	assert.True(t, identities["user-3"])
}
