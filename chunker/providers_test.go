package chunker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderAtProvider(t *testing.T) {
	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}

	// 30+30+30+10 = 100
	plan, err := NewPlan(int64(len(testData)), 30)
	require.NoError(t, err)
	provider := NewReaderAtProvider(bytes.NewReader(testData), plan)

	require.Equal(t, 4, provider.NumChunks())
	for i := 0; i < 3; i++ {
		assert.Equal(t, int64(30), provider.ChunkSize(i))
	}
	assert.Equal(t, int64(10), provider.ChunkSize(3))
	assert.Equal(t, int64(0), provider.ChunkSize(4))

	// chunks can be read in any order, any number of times
	for _, i := range []int{3, 1} {
		chunk, err := provider.GetChunk(i)
		require.NoError(t, err)
		assert.Equal(t, i, chunk.Index)
	}
	var readData []byte
	for i := 0; i < 4; i++ {
		chunk, err := provider.GetChunk(i)
		require.NoError(t, err)
		readData = append(readData, chunk.Data...)
	}
	assert.Equal(t, testData, readData)

	third, err := provider.GetChunk(2)
	require.NoError(t, err)
	assert.Equal(t, int64(60), third.Start)

	_, err = provider.GetChunk(-1)
	assert.Error(t, err)
	_, err = provider.GetChunk(4)
	assert.Error(t, err)
}

func TestReaderAtProvider_ShortSource(t *testing.T) {
	plan, err := NewPlan(10, 4)
	require.NoError(t, err)

	provider := NewReaderAtProvider(bytes.NewReader([]byte("123456")), plan)

	_, err = provider.GetChunk(0)
	require.NoError(t, err)
	_, err = provider.GetChunk(2)
	assert.Error(t, err, "source shorter than the planned size")
}
