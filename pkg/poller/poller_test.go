package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/ecotouchd/pkg/ecotouch"
)

type stubClient struct {
	mu      sync.Mutex
	err     error
	values  map[string]interface{}
	reads   int
	logins  int
	logouts int
}

func (s *stubClient) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	return nil
}

func (s *stubClient) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

func (s *stubClient) ReadValues(ctx context.Context, tags ...*ecotouch.Tag) (map[*ecotouch.Tag]ecotouch.TagResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	res := make(map[*ecotouch.Tag]ecotouch.TagResult)
	for _, t := range tags {
		res[t] = ecotouch.TagResult{Value: s.values[t.Name], Status: ecotouch.StatusOK}
	}
	return res, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Publish(device string, t *ecotouch.Tag, res ecotouch.TagResult, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, device+"/"+t.Name)
	return nil
}

func lookup(t *testing.T, names ...string) []*ecotouch.Tag {
	t.Helper()
	tags, err := ecotouch.EcotouchRegistry().Lookup(names...)
	require.NoError(t, err)
	return tags
}

func TestPollOnce(t *testing.T) {
	rec := &recorder{}
	p := New(time.Minute, time.Second, rec)
	a := &stubClient{values: map[string]interface{}{"TEMPERATURE_OUTSIDE": 8.6, "STATE_COMPRESSOR": true}}
	b := &stubClient{values: map[string]interface{}{"TEMPERATURE_OUTSIDE": -2.0}}
	p.Add("b", b, lookup(t, "TEMPERATURE_OUTSIDE"))
	p.Add("a", a, lookup(t, "TEMPERATURE_OUTSIDE", "STATE_COMPRESSOR"))

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, []string{"a", "b"}, p.Devices())

	s, ok := p.Last("a")
	require.True(t, ok)
	assert.Empty(t, s.Error)
	assert.Equal(t, 8.6, s.Values["TEMPERATURE_OUTSIDE"].Value)
	assert.Equal(t, true, s.Values["STATE_COMPRESSOR"].Value)
	s, ok = p.Last("b")
	require.True(t, ok)
	assert.Equal(t, -2.0, s.Values["TEMPERATURE_OUTSIDE"].Value)

	assert.ElementsMatch(t, []string{"a/TEMPERATURE_OUTSIDE", "a/STATE_COMPRESSOR", "b/TEMPERATURE_OUTSIDE"}, rec.msgs)
}

func TestTooManyUsersBacksOff(t *testing.T) {
	p := New(time.Minute, 30*time.Second)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	busy := &stubClient{err: ecotouch.ErrTooManyUsers}
	ok := &stubClient{values: map[string]interface{}{"TEMPERATURE_OUTSIDE": 1.0}}
	p.Add("busy", busy, lookup(t, "TEMPERATURE_OUTSIDE"))
	p.Add("ok", ok, lookup(t, "TEMPERATURE_OUTSIDE"))

	err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, ErrPollFailed)
	assert.False(t, errors.Is(err, ecotouch.ErrTooManyUsers))
	assert.Equal(t, []time.Duration{30 * time.Second}, slept)

	s, _ := p.Last("busy")
	assert.Contains(t, s.Error, "too many users")
	s, _ = p.Last("ok")
	assert.Equal(t, 1.0, s.Values["TEMPERATURE_OUTSIDE"].Value)
}

func TestOtherFailuresDoNotBackOff(t *testing.T) {
	p := New(time.Minute, 30*time.Second)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("unexpected backoff")
		return nil
	}
	p.Add("down", &stubClient{err: ecotouch.ErrTimeout}, lookup(t, "TEMPERATURE_OUTSIDE"))
	assert.ErrorIs(t, p.PollOnce(context.Background()), ErrPollFailed)
}

func TestRun(t *testing.T) {
	p := New(5*time.Millisecond, time.Second)
	c := &stubClient{values: map[string]interface{}{}}
	p.Add("a", c, lookup(t, "TEMPERATURE_OUTSIDE"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.logins)
	assert.Equal(t, 1, c.logouts)
	assert.GreaterOrEqual(t, c.reads, 2)
}
