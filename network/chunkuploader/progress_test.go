package chunkuploader

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregator_SeedsStoredChunks(t *testing.T) {
	var reports []Progress
	aggregator := NewAggregator([]int64{2, 2, 1}, []int{0, 0, 7}, func(p Progress) { reports = append(reports, p) })

	aggregator.Start()
	final := aggregator.Stop()

	assert.Equal(t, []Progress{{Loaded: 2, Total: 5, Percentage: 40}}, reports)
	assert.Equal(t, reports[0], final)
}

func TestAggregator_Update(t *testing.T) {
	tests := []struct {
		name    string
		updates [][2]int64
		want    Progress
	}{
		{
			name:    "partial",
			updates: [][2]int64{{0, 3}},
			want:    Progress{Loaded: 3, Total: 20, Percentage: 15},
		},
		{
			name:    "never goes backwards",
			updates: [][2]int64{{0, 8}, {0, 2}},
			want:    Progress{Loaded: 8, Total: 20, Percentage: 40},
		},
		{
			name:    "clamped to chunk size",
			updates: [][2]int64{{1, 500}},
			want:    Progress{Loaded: 10, Total: 20, Percentage: 50},
		},
		{
			name:    "unknown index ignored",
			updates: [][2]int64{{5, 10}, {-1, 10}},
			want:    Progress{Loaded: 0, Total: 20, Percentage: 0},
		},
		{
			name:    "complete",
			updates: [][2]int64{{0, 10}, {1, 10}},
			want:    Progress{Loaded: 20, Total: 20, Percentage: 100},
		},
		{
			name:    "floor",
			updates: [][2]int64{{0, 10}, {1, 9}},
			want:    Progress{Loaded: 19, Total: 20, Percentage: 95},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aggregator := NewAggregator([]int64{10, 10}, nil, nil)
			aggregator.Start()
			for _, u := range tt.updates {
				aggregator.Update(int(u[0]), u[1])
			}
			assert.Equal(t, tt.want, aggregator.Stop())
		})
	}
}

func TestAggregator_ConcurrentUpdates(t *testing.T) {
	sizes := make([]int64, 50)
	for i := range sizes {
		sizes[i] = 1000
	}

	last := -1
	monotonic := true
	aggregator := NewAggregator(sizes, nil, func(p Progress) {
		if p.Percentage < last {
			monotonic = false
		}
		last = p.Percentage
	})
	aggregator.Start()

	var wg sync.WaitGroup
	for i := range sizes {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			for loaded := int64(0); loaded <= 1000; loaded += 100 {
				aggregator.Update(index, loaded)
			}
		}(i)
	}
	wg.Wait()

	final := aggregator.Stop()
	assert.True(t, monotonic)
	assert.Equal(t, Progress{Loaded: 50000, Total: 50000, Percentage: 100}, final)
}

func TestAggregator_UpdateAfterStop(t *testing.T) {
	aggregator := NewAggregator([]int64{10}, nil, nil)
	aggregator.Start()
	aggregator.Stop()

	assert.NotPanics(t, func() { aggregator.Update(0, 10) })
}

func TestAggregator_EmptyFile(t *testing.T) {
	aggregator := NewAggregator(nil, nil, nil)
	aggregator.Start()
	assert.Equal(t, Progress{Loaded: 0, Total: 0, Percentage: 100}, aggregator.Stop())
}
