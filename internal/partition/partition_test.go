package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`"case %d"`, i)
	}
	return out
}

func TestPartition_Errors(t *testing.T) {
	t.Parallel()
	_, _, err := Partition(nil, 4)
	assert.ErrorIs(t, err, ErrNoIdentifiers)

	_, _, err = Partition(ids(3), 0)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)

	_, _, err = Partition(ids(3), -2)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)
}

func TestPartition_RoundRobin(t *testing.T) {
	t.Parallel()
	buckets, n, err := Partition([]string{"a", "b", "c", "d", "e"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]string{{"a", "c", "e"}, {"b", "d"}}, buckets)
}

func TestPartition_ReducesToIdentifierCount(t *testing.T) {
	t.Parallel()
	buckets, n, err := Partition([]string{"only"}, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{{"only"}}, buckets)
}

func TestPartition_Properties(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 7, 10, 33} {
		for _, w := range []int{1, 2, 3, 8, 40} {
			t.Run(fmt.Sprintf("n%d_w%d", n, w), func(t *testing.T) {
				in := ids(n)
				buckets, eff, err := Partition(in, w)
				require.NoError(t, err)

				assert.Equal(t, min(w, n), eff)
				require.Len(t, buckets, eff)

				lo, hi := n, 0
				for _, b := range buckets {
					assert.NotEmpty(t, b)
					lo = min(lo, len(b))
					hi = max(hi, len(b))
				}
				assert.LessOrEqual(t, hi-lo, 1)
				assert.Equal(t, in, Interleave(buckets))

				again, _, _ := Partition(in, w)
				assert.Equal(t, buckets, again)
			})
		}
	}
}

func TestInterleave_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Interleave(nil))
}
