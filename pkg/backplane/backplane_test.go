package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/pulse/pkg/logger"
	"github.com/tokmz/pulse/pkg/notify"
)

// fakeNotifier 记录本地投递调用
type fakeNotifier struct {
	sends      []string
	roleCasts  []string
	broadcasts int
}

func (f *fakeNotifier) SendToUser(identity string, msg *notify.Outbound) bool {
	f.sends = append(f.sends, identity)
	return true
}

func (f *fakeNotifier) BroadcastToRole(role string, msg *notify.Outbound) int {
	f.roleCasts = append(f.roleCasts, role)
	return 1
}

func (f *fakeNotifier) BroadcastToAll(msg *notify.Outbound) int {
	f.broadcasts++
	return 1
}

func newTestBackplane(local notify.Notifier) *Backplane {
	return &Backplane{
		channel: "pulse:notify",
		origin:  "worker-1",
		local:   local,
		log:     logger.Nop(),
	}
}

func marshalEnvelope(t *testing.T, env *Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestApply_UserScope(t *testing.T) {
	local := &fakeNotifier{}
	b := newTestBackplane(local)

	payload := marshalEnvelope(t, &Envelope{
		Origin:  "worker-2",
		Scope:   ScopeUser,
		Target:  "user-1",
		Message: notify.NewNotification("t", "m", nil, ""),
	})

	require.NoError(t, b.apply(payload))
	assert.Equal(t, []string{"user-1"}, local.sends)
}

func TestApply_RoleScope(t *testing.T) {
	local := &fakeNotifier{}
	b := newTestBackplane(local)

	payload := marshalEnvelope(t, &Envelope{
		Origin:  "worker-2",
		Scope:   ScopeRole,
		Target:  "driver",
		Message: notify.NewNotification("t", "m", nil, ""),
	})

	require.NoError(t, b.apply(payload))
	assert.Equal(t, []string{"driver"}, local.roleCasts)
}

func TestApply_AllScope(t *testing.T) {
	local := &fakeNotifier{}
	b := newTestBackplane(local)

	payload := marshalEnvelope(t, &Envelope{
		Origin:  "worker-2",
		Scope:   ScopeAll,
		Message: notify.NewNotification("t", "m", nil, ""),
	})

	require.NoError(t, b.apply(payload))
	assert.Equal(t, 1, local.broadcasts)
}

func TestApply_SkipsOwnEnvelope(t *testing.T) {
	local := &fakeNotifier{}
	b := newTestBackplane(local)

	// 发布方已经本地投递过，收到自己的信封必须跳过
	payload := marshalEnvelope(t, &Envelope{
		Origin:  "worker-1",
		Scope:   ScopeAll,
		Message: notify.NewNotification("t", "m", nil, ""),
	})

	require.NoError(t, b.apply(payload))
	assert.Zero(t, local.broadcasts)
	assert.Empty(t, local.sends)
}

func TestApply_Invalid(t *testing.T) {
	local := &fakeNotifier{}
	b := newTestBackplane(local)

	assert.ErrorIs(t, b.apply([]byte("not json")), ErrInvalidEnvelope)
	assert.ErrorIs(t, b.apply([]byte(`{"scope":"user"}`)), ErrInvalidEnvelope)

	payload := marshalEnvelope(t, &Envelope{
		Origin:  "worker-2",
		Scope:   "room",
		Message: notify.NewNotification("t", "m", nil, ""),
	})
	assert.ErrorIs(t, b.apply(payload), ErrInvalidEnvelope)
	assert.Empty(t, local.sends)
}

// fakePublisher 记录发布的信封
type fakePublisher struct {
	envs []*Envelope
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, env *Envelope) error {
	f.envs = append(f.envs, env)
	return f.err
}

func TestFanout_SendToUser(t *testing.T) {
	local := &fakeNotifier{}
	pub := &fakePublisher{}
	f := &Fanout{local: local, bp: pub, log: logger.Nop()}

	ok := f.SendToUser("user-1", notify.NewNotification("t", "m", nil, ""))
	assert.True(t, ok)
	assert.Equal(t, []string{"user-1"}, local.sends)

	require.Len(t, pub.envs, 1)
	assert.Equal(t, ScopeUser, pub.envs[0].Scope)
	assert.Equal(t, "user-1", pub.envs[0].Target)
}

func TestFanout_Broadcasts(t *testing.T) {
	local := &fakeNotifier{}
	pub := &fakePublisher{}
	f := &Fanout{local: local, bp: pub, log: logger.Nop()}

	f.BroadcastToRole("driver", notify.NewNotification("t", "m", nil, ""))
	f.BroadcastToAll(notify.NewNotification("t", "m", nil, ""))

	require.Len(t, pub.envs, 2)
	assert.Equal(t, ScopeRole, pub.envs[0].Scope)
	assert.Equal(t, "driver", pub.envs[0].Target)
	assert.Equal(t, ScopeAll, pub.envs[1].Scope)
}

func TestFanout_PublishFailureDoesNotAffectLocal(t *testing.T) {
	local := &fakeNotifier{}
	pub := &fakePublisher{err: errors.New("redis down")}
	f := &Fanout{local: local, bp: pub, log: logger.Nop()}

	// 背板故障只降级为单进程投递
	ok := f.SendToUser("user-1", notify.NewNotification("t", "m", nil, ""))
	assert.True(t, ok)
	assert.Equal(t, []string{"user-1"}, local.sends)
}
