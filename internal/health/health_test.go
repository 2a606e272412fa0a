package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("sweeper", func(context.Context) Status {
		return Status{Name: "sweeper", Healthy: false, Detail: "not running"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "store", statuses[0].Name, "empty names default to the registered name")
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", Pinger("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 50)
}

func TestPinger(t *testing.T) {
	ok := Pinger("db", func(context.Context) error { return nil })(context.Background())
	assert.True(t, ok.Healthy)

	bad := Pinger("db", func(context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "connection refused", bad.Detail)
}

func TestLoop(t *testing.T) {
	running := true
	last := time.Time{}
	check := Loop("sweeper", func() bool { return running }, func() time.Time { return last }, time.Minute)

	st := check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "no run yet", st.Detail)

	last = time.Now().Add(-10 * time.Second)
	assert.True(t, check(context.Background()).Healthy)

	last = time.Now().Add(-time.Hour)
	st = check(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Detail, "last run")

	running = false
	assert.Equal(t, "not running", check(context.Background()).Detail)
}
