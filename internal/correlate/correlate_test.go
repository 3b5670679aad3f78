package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecam/internal/pipeline"
)

func region(left, width int, label string) pipeline.DetectedRegion {
	return pipeline.DetectedRegion{
		Rect:  pipeline.Rect{Left: left, Top: 10, Width: width, Height: width},
		Label: label,
	}
}

func TestCorrelate_PairsByHorizontalRank(t *testing.T) {
	// Remote order is right-to-left on purpose
	remote := []pipeline.DetectedRegion{
		region(300, 50, "right"),
		region(10, 50, "left"),
		region(150, 50, "middle"),
	}
	local := []pipeline.DetectedRegion{
		region(160, 40, ""),
		region(320, 40, ""),
		region(20, 40, ""),
	}

	out := Correlate(remote, local, Options{})
	require.Len(t, out, 3)

	assert.Equal(t, "right", out[0].Label)
	assert.Equal(t, 320, out[0].Rect.Left)
	assert.Equal(t, "left", out[1].Label)
	assert.Equal(t, 20, out[1].Rect.Left)
	assert.Equal(t, "middle", out[2].Label)
	assert.Equal(t, 160, out[2].Rect.Left)

	for _, r := range out {
		assert.False(t, r.Stale)
		assert.Equal(t, 40, r.Rect.Width)
	}
}

func TestCorrelate_DoesNotModifyInputs(t *testing.T) {
	remote := []pipeline.DetectedRegion{region(100, 50, "a")}
	local := []pipeline.DetectedRegion{region(5, 20, "")}

	out := Correlate(remote, local, Options{})
	assert.Equal(t, 5, out[0].Rect.Left)
	assert.Equal(t, 100, remote[0].Rect.Left)
	assert.Equal(t, "", local[0].Label)
}

func TestCorrelate_MoreRemoteThanLocal(t *testing.T) {
	remote := []pipeline.DetectedRegion{
		region(10, 50, "left"),
		region(200, 50, "right"),
	}
	local := []pipeline.DetectedRegion{region(15, 45, "")}

	t.Run("keep marks stale", func(t *testing.T) {
		out := Correlate(remote, local, Options{Unmatched: UnmatchedKeep})
		require.Len(t, out, 2)
		assert.Equal(t, 15, out[0].Rect.Left)
		assert.False(t, out[0].Stale)
		assert.Equal(t, 200, out[1].Rect.Left)
		assert.True(t, out[1].Stale)
	})

	t.Run("default keeps", func(t *testing.T) {
		out := Correlate(remote, local, Options{})
		assert.Len(t, out, 2)
	})

	t.Run("drop", func(t *testing.T) {
		out := Correlate(remote, local, Options{Unmatched: UnmatchedDrop})
		require.Len(t, out, 1)
		assert.Equal(t, "left", out[0].Label)
		assert.Equal(t, 15, out[0].Rect.Left)
	})
}

func TestCorrelate_MoreLocalThanRemote(t *testing.T) {
	remote := []pipeline.DetectedRegion{region(100, 50, "only")}
	local := []pipeline.DetectedRegion{
		region(300, 40, ""),
		region(90, 40, ""),
	}

	out := Correlate(remote, local, Options{})
	require.Len(t, out, 1)
	// Leftmost local pairs with the only remote region; extra local regions are ignored
	assert.Equal(t, 90, out[0].Rect.Left)
}

func TestCorrelate_EmptyInputs(t *testing.T) {
	out := Correlate(nil, []pipeline.DetectedRegion{region(1, 1, "")}, Options{})
	assert.NotNil(t, out)
	assert.Empty(t, out)

	remote := []pipeline.DetectedRegion{region(10, 10, "a")}
	kept := Correlate(remote, nil, Options{})
	require.Len(t, kept, 1)
	assert.True(t, kept[0].Stale)
	assert.Equal(t, 10, kept[0].Rect.Left)

	assert.Empty(t, Correlate(remote, nil, Options{Unmatched: UnmatchedDrop}))
}

func TestCorrelate_TiesKeepInputOrder(t *testing.T) {
	remote := []pipeline.DetectedRegion{
		region(100, 20, "first"),
		region(100, 20, "second"),
	}
	local := []pipeline.DetectedRegion{
		region(0, 10, ""),
		region(0, 10, ""),
	}
	local[1].Rect.Top = 99

	out := Correlate(remote, local, Options{})
	assert.Equal(t, 10, out[0].Rect.Top)
	assert.Equal(t, 99, out[1].Rect.Top)
}

func TestCorrelate_ReplacesPreviousStaleFlag(t *testing.T) {
	remote := []pipeline.DetectedRegion{region(10, 10, "a")}
	remote[0].Stale = true

	out := Correlate(remote, []pipeline.DetectedRegion{region(12, 10, "")}, Options{})
	assert.False(t, out[0].Stale)
	assert.True(t, remote[0].Stale)
}

func TestCorrelate_LaggingRemoteTakesLocalRects(t *testing.T) {
	// Remote centres 10, 50, 90; local centres 12, 48, 95
	remote := []pipeline.DetectedRegion{
		region(40, 20, "B"),
		region(0, 20, "A"),
		region(80, 20, "C"),
	}
	local := []pipeline.DetectedRegion{
		region(90, 10, ""),
		region(7, 10, ""),
		region(43, 10, ""),
	}

	out := Correlate(remote, local, Options{})
	require.Len(t, out, 3)

	assert.Equal(t, []string{"B", "A", "C"}, []string{out[0].Label, out[1].Label, out[2].Label})
	assert.Equal(t, local[2].Rect, out[0].Rect)
	assert.Equal(t, local[1].Rect, out[1].Rect)
	assert.Equal(t, local[0].Rect, out[2].Rect)
	for _, r := range out {
		assert.False(t, r.Stale)
	}
}

func TestCorrelate_Idempotent(t *testing.T) {
	remote := []pipeline.DetectedRegion{region(300, 50, "a"), region(10, 50, "b"), region(150, 50, "c")}
	local := []pipeline.DetectedRegion{region(160, 40, ""), region(20, 40, "")}

	for _, policy := range []UnmatchedPolicy{UnmatchedKeep, UnmatchedDrop} {
		t.Run(string(policy), func(t *testing.T) {
			opts := Options{Unmatched: policy}
			first := Correlate(remote, local, opts)
			assert.Equal(t, first, Correlate(remote, local, opts))
			assert.Equal(t, first, Correlate(first, local, opts))
		})
	}
}
