package sizing

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTooBig = errors.New("too big")

func TestConversions(t *testing.T) {
	t.Parallel()

	n, err := ToInt(42, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = ToInt(math.MaxUint64, errTooBig)
	require.ErrorIs(t, err, errTooBig)

	u, err := ToUint32(7, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), u)

	_, err = ToUint32(-1, errTooBig)
	require.ErrorIs(t, err, errTooBig)

	_, ok := AddUint64(math.MaxUint64, 1)
	assert.False(t, ok)
	sum, ok := AddUint64(2, 3)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), sum)
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	data, err := ReadAllWithLimit(strings.NewReader("hello"), 5, errTooBig)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = ReadAllWithLimit(strings.NewReader("hello!"), 5, errTooBig)
	require.ErrorIs(t, err, errTooBig)
}
