package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerSetArmAndCancel(t *testing.T) {
	ts := NewTimerSet(3)
	require.True(t, ts.IsEmpty())

	ts.Arm(SeqKey(1), []byte("pkt"))
	require.False(t, ts.IsEmpty())
	require.Equal(t, 1, ts.Count())

	ts.Cancel(SeqKey(1))
	require.True(t, ts.IsEmpty())
}

func TestTimerSetCancelMissingKeyIsNoop(t *testing.T) {
	ts := NewTimerSet(3)
	require.NotPanics(t, func() { ts.Cancel(SeqKey(99)) })
}

func TestTimerSetScanBeforeTimeoutReportsNothing(t *testing.T) {
	ts := NewTimerSet(3)
	ts.Arm(SeqKey(1), []byte("pkt"))

	expired := ts.Scan(time.Now(), time.Hour)
	require.Empty(t, expired)
}

func TestTimerSetScanRetransmitsUnderBound(t *testing.T) {
	ts := NewTimerSet(2)
	ts.Arm(SeqKey(1), []byte("pkt"))

	past := time.Now().Add(time.Hour)
	expired := ts.Scan(past, time.Second)
	require.Len(t, expired, 1)
	require.Equal(t, ActionRetransmit, expired[0].Action)
	require.Equal(t, SeqKey(1), expired[0].Key)
	require.False(t, ts.IsEmpty(), "a retransmitted timer stays armed")
}

func TestTimerSetScanAbortsAtBound(t *testing.T) {
	ts := NewTimerSet(1)
	ts.Arm(SeqKey(7), []byte("pkt"))

	now := time.Now().Add(time.Hour)
	first := ts.Scan(now, time.Second)
	require.Len(t, first, 1)
	require.Equal(t, ActionRetransmit, first[0].Action)

	later := now.Add(time.Hour)
	second := ts.Scan(later, time.Second)
	require.Len(t, second, 1)
	require.Equal(t, ActionAbort, second[0].Action)
	require.Equal(t, SeqKey(7), second[0].Key)
}

func TestTimerSetNudgeKeyDistinctFromSeqZero(t *testing.T) {
	require.NotEqual(t, NudgeKey, SeqKey(0))
}

func TestTimerSetCountTracksMultipleEntries(t *testing.T) {
	ts := NewTimerSet(3)
	ts.Arm(SeqKey(1), []byte("a"))
	ts.Arm(SeqKey(2), []byte("b"))
	ts.Arm(NudgeKey, []byte("c"))
	require.Equal(t, 3, ts.Count())

	ts.Cancel(SeqKey(1))
	require.Equal(t, 2, ts.Count())
}
