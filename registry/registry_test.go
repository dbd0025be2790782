package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherline/models"
	"cipherline/protocol"
)

type stubHandle struct {
	name string
}

func (h *stubHandle) Push(protocol.Event) error { return nil }
func (h *stubHandle) Close()                    {}

func TestRegisterMultiDevice(t *testing.T) {
	r := New()
	phone := &stubHandle{name: "phone"}
	laptop := &stubHandle{name: "laptop"}

	assert.True(t, r.Register("alice", phone, models.StatusOnline))
	assert.False(t, r.Register("alice", laptop, models.StatusOnline))
	assert.Len(t, r.HandlesFor("alice"), 2)

	id, last, ok := r.Unregister(phone)
	require.True(t, ok)
	assert.Equal(t, "alice", id)
	assert.False(t, last)
	assert.True(t, r.Online("alice"))
	assert.Equal(t, models.StatusOnline, r.EffectiveStatus("alice"))

	_, last, ok = r.Unregister(laptop)
	require.True(t, ok)
	assert.True(t, last)
	assert.False(t, r.Online("alice"))
	assert.Empty(t, r.HandlesFor("alice"))
	assert.Equal(t, models.StatusOffline, r.EffectiveStatus("alice"))
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	h := &stubHandle{}

	assert.True(t, r.Register("bob", h, models.StatusOnline))
	assert.False(t, r.Register("bob", h, models.StatusOnline))
	assert.Len(t, r.HandlesFor("bob"), 1)
}

func TestUnregisterUnknown(t *testing.T) {
	r := New()
	_, _, ok := r.Unregister(&stubHandle{})
	assert.False(t, ok)
}

func TestOwner(t *testing.T) {
	r := New()
	h := &stubHandle{}

	_, ok := r.Owner(h)
	assert.False(t, ok)

	r.Register("dave", h, models.StatusOnline)
	id, ok := r.Owner(h)
	require.True(t, ok)
	assert.Equal(t, "dave", id)

	r.Unregister(h)
	_, ok = r.Owner(h)
	assert.False(t, ok)
}

func TestHiddenIsReportedOffline(t *testing.T) {
	r := New()
	r.Register("carol", &stubHandle{}, models.StatusHidden)

	status, ok := r.Status("carol")
	require.True(t, ok)
	assert.Equal(t, models.StatusHidden, status)
	assert.Equal(t, models.StatusOffline, r.EffectiveStatus("carol"))

	assert.True(t, r.SetStatus("carol", models.StatusDoNotDisturb))
	assert.Equal(t, models.StatusDoNotDisturb, r.EffectiveStatus("carol"))
	assert.False(t, r.SetStatus("nobody", models.StatusOnline))
}

func TestConcurrentRegistration(t *testing.T) {
	r := New()
	const accounts, devices = 20, 10

	handles := make([][]*stubHandle, accounts)
	for a := range handles {
		for d := 0; d < devices; d++ {
			handles[a] = append(handles[a], &stubHandle{name: fmt.Sprintf("%d-%d", a, d)})
		}
	}

	var wg sync.WaitGroup
	for a := range handles {
		for _, h := range handles[a] {
			wg.Add(1)
			go func(id string, h *stubHandle) {
				defer wg.Done()
				r.Register(id, h, models.StatusOnline)
			}(fmt.Sprintf("acc-%d", a), h)
		}
	}
	wg.Wait()

	st := r.Stats()
	assert.Equal(t, accounts*devices, st.Connections)
	assert.Len(t, st.Accounts, accounts)

	var lastCount sync.Map
	for a := range handles {
		for _, h := range handles[a] {
			wg.Add(1)
			go func(h *stubHandle) {
				defer wg.Done()
				id, last, _ := r.Unregister(h)
				if last {
					n, _ := lastCount.LoadOrStore(id, new(int))
					*(n.(*int))++
				}
			}(h)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.Stats().Connections)
	for a := 0; a < accounts; a++ {
		n, ok := lastCount.Load(fmt.Sprintf("acc-%d", a))
		require.True(t, ok)
		assert.Equal(t, 1, *(n.(*int)), "exactly one last-handle signal per account")
	}
}
