package camdrv

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func depthFrame(id int) Frame {
	return Frame{
		Profile: StreamProfile{Type: StreamDepth, UniqueID: id},
		Data:    []byte{1, 1},
	}
}

func colorFrame(id int) Frame {
	return Frame{
		Profile: StreamProfile{Type: StreamColor, UniqueID: id},
		Data:    []byte{2, 2},
	}
}

func TestFrameAggregator_EmitsOnceComplete(t *testing.T) {
	agg := newFrameAggregator([]int{0, 1})

	var set *FrameSet
	agg.handle(depthFrame(0))
	require.False(t, agg.tryDequeue(&set), "incomplete set emitted")

	agg.handle(colorFrame(1))
	require.True(t, agg.dequeue(&set, time.Second), "complete set not emitted")
	require.Equal(t, 2, set.Size())

	_, ok := set.Get(StreamDepth)
	require.True(t, ok)
	_, ok = set.Get(StreamColor)
	require.True(t, ok)

	// Exactly once: nothing further is pending.
	require.False(t, agg.tryDequeue(&set))
}

func TestFrameAggregator_KeepsLatestPerStream(t *testing.T) {
	agg := newFrameAggregator([]int{0, 1})

	first := depthFrame(0)
	first.Data = []byte{9, 9}
	agg.handle(first)

	second := depthFrame(0)
	second.Data = []byte{7, 7}
	agg.handle(second)

	agg.handle(colorFrame(1))

	var set *FrameSet
	require.True(t, agg.dequeue(&set, time.Second))
	d, ok := set.Get(StreamDepth)
	require.True(t, ok)
	require.Equal(t, []byte{7, 7}, d.Data, "older frame survived aggregation")
}

func TestFrameAggregator_CopiesFrameData(t *testing.T) {
	agg := newFrameAggregator([]int{0, 1})

	buf := []byte{5, 5}
	f := depthFrame(0)
	f.Data = buf
	agg.handle(f)
	buf[0] = 0 // source buffer returns to the pool and is reused

	agg.handle(colorFrame(1))

	var set *FrameSet
	require.True(t, agg.dequeue(&set, time.Second))
	d, _ := set.Get(StreamDepth)
	require.Equal(t, []byte{5, 5}, d.Data, "aggregator aliased the pooled buffer")
}

func TestSyncStreamer_WaitBeforeStartFails(t *testing.T) {
	installFakeBackend(t)

	s := NewSyncStreamer()
	defer s.Close()

	_, err := s.WaitForFrames(time.Second)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeSequence))

	_, _, err = s.PollForFrames()
	require.True(t, IsCode(err, ErrCodeSequence))

	_, _, err = s.TryWaitForFrames(time.Millisecond)
	require.True(t, IsCode(err, ErrCodeSequence))
}

func TestSyncStreamer_WaitForFrames(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	s := NewSyncStreamer()
	defer s.Close()

	_, err := s.Start(NewConfig())
	require.NoError(t, err)

	set, err := s.WaitForFrames(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, set.Size(), "frameset must aggregate every configured stream")

	_, ok := set.Get(StreamDepth)
	require.True(t, ok)
	_, ok = set.Get(StreamColor)
	require.True(t, ok)

	require.NoError(t, s.Stop())
}

func TestSyncStreamer_DisconnectRecovery(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)
	shortResolve(t, 50*time.Millisecond)

	s := NewSyncStreamer()
	defer s.Close()

	_, err := s.Start(NewConfig())
	require.NoError(t, err)

	_, err = s.WaitForFrames(5 * time.Second)
	require.NoError(t, err, "healthy pipeline must deliver")

	backend.Disconnect("cam0")

	// Drain anything aggregated before the unplug, then expect the
	// single restart attempt to fail against the absent device.
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err = s.WaitForFrames(1000 * time.Millisecond)
		if err != nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "disconnect never surfaced")
	}

	require.True(t, IsCode(err, ErrCodeDisconnected), "unexpected error: %v", err)
	require.Contains(t, err.Error(), "Device disconnected. Failed to reconnect:")
	require.True(t, strings.HasSuffix(err.Error(), "1000"), "error must carry the timeout: %v", err)
}
