package heartbeat

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwcore/internal/clock"
	"fwcore/internal/module"
	logx "fwcore/pkg/logx"
)

func TestHeartbeatFollowsSchedule(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 20, 0, time.UTC))
	var buf bytes.Buffer
	w, err := New(Config{Schedule: "* * * * *", Location: time.UTC, Clock: clk, Logger: logx.NewWriter(&buf, "info")})
	require.NoError(t, err)
	m := module.New(w, module.WithClock(clk))

	assert.Equal(t, 40*time.Second, m.Dispatcher())
	assert.Zero(t, w.Beats())
	assert.Empty(t, buf.String())

	clk.Advance(40 * time.Second)
	assert.Equal(t, time.Minute, m.Dispatcher())
	assert.EqualValues(t, 1, w.Beats())
	assert.Contains(t, buf.String(), `"uptime":`)
}

func TestHeartbeatDefaultsAndErrors(t *testing.T) {
	w, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, w.Dispatch())

	_, err = New(Config{Schedule: "whenever"})
	assert.Error(t, err)
}
