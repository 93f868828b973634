package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartapi-gateway/internal/types"
)

type countingRefresher struct {
	calls int
	err   error
}

func (c *countingRefresher) Refresh(ctx context.Context) (types.Session, error) {
	c.calls++
	if _, ok := ctx.Deadline(); !ok {
		return types.Session{}, errors.New("refresh without deadline")
	}
	return types.Session{ID: "warm"}, c.err
}

func TestNewWarmerRejectsBadSchedule(t *testing.T) {
	_, err := NewWarmer(&countingRefresher{}, "every morning", time.Second)
	assert.Error(t, err)
}

func TestWarmCallsRefresh(t *testing.T) {
	r := &countingRefresher{}
	w, err := NewWarmer(r, "0 45 8 * * 1-5", time.Second)
	require.NoError(t, err)

	w.warm()
	r.err = errors.New("login down")
	w.warm()

	assert.Equal(t, 2, r.calls)
}

func TestWarmerStartStop(t *testing.T) {
	w, err := NewWarmer(&countingRefresher{}, "0 0 0 1 1 *", time.Second)
	require.NoError(t, err)

	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)
}
