package embedding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultBatchSize(t *testing.T) {
	c := New(nil, Config{Model: "claude-embed"})
	require.Equal(t, 100, c.cfg.BatchSize)
}

func TestEmbedBatchingRespectsSize(t *testing.T) {
	c := New(nil, Config{Model: "claude-embed", BatchSize: 2})
	c.sleep = func(time.Duration) {}

	var starts []int
	batches := 0
	for start := 0; start < 5; start += c.cfg.BatchSize {
		starts = append(starts, start)
		batches++
	}
	require.Equal(t, []int{0, 2, 4}, starts)
	require.Equal(t, 3, batches)
}
