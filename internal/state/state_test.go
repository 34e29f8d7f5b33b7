package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)
	s.RunID = "r-test"

	require.NoError(t, s.Publish(3))
	assert.Equal(t, 3, s.Count())

	n, err := ReadCount(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "r-test", rec.RunID)
	assert.Equal(t, os.Getpid(), rec.SupervisorPID)
	assert.NotZero(t, rec.UpdatedAt)
}

func TestRecordJSONKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Open(path).Publish(2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 2, raw["running_worker_count"])
	assert.Contains(t, raw, "supervisor_pid")
}

func TestPublishFailureKeepsInMemoryCount(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing-dir", "state.json")
	s := Open(path)
	assert.Error(t, s.Publish(5))
	assert.Equal(t, 5, s.Count())
}

func TestRemove(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)
	require.NoError(t, s.Publish(1))

	require.NoError(t, s.Remove())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = os.Stat(LockPath(path))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, s.Remove(), "second remove is a no-op")
}

func TestReadCountMissing(t *testing.T) {
	t.Parallel()
	_, err := ReadCount(filepath.Join(t.TempDir(), "none.json"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestReadMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := Read(path)
	assert.ErrorContains(t, err, "parse state record")
}

// A reader polling without the lock must only ever observe published values,
// and those values must never increase.
func TestConcurrentReaderSeesMonotonicCount(t *testing.T) {
	t.Parallel()
	const n = 25
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)
	require.NoError(t, s.Publish(n))

	done := make(chan struct{})
	var seen []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if c, err := ReadCount(path); err == nil {
				if len(seen) == 0 || seen[len(seen)-1] != c {
					seen = append(seen, c)
				}
			}
			select {
			case <-done:
				return
			default:
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for c := n - 1; c >= 0; c-- {
		require.NoError(t, s.Publish(c))
		time.Sleep(time.Millisecond)
	}
	close(done)
	wg.Wait()

	require.NotEmpty(t, seen)
	for i, c := range seen {
		assert.True(t, c >= 0 && c <= n, "value %d out of range", c)
		if i > 0 {
			assert.Less(t, c, seen[i-1])
		}
	}
	final, err := ReadCount(path)
	require.NoError(t, err)
	assert.Zero(t, final)
}

func TestConcurrentPublishersSerialise(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			assert.NoError(t, Open(path).Publish(v))
		}(i)
	}
	wg.Wait()

	c, err := ReadCount(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c, 0)
	assert.Less(t, c, 8)
}

func TestSharedStorePublishersSerialise(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	s := Open(path)

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(v int) {
				defer wg.Done()
				assert.NoError(t, s.Publish(v))
			}(i)
		}
		wg.Wait()

		onDisk, err := ReadCount(path)
		require.NoError(t, err)
		require.Equal(t, s.Count(), onDisk, "round %d: memory and disk disagree", round)
	}
}
