package fuzzdep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/fuzzexec/coverage"
)

func TestHitRecordsEdges(t *testing.T) {
	saved := CoverTab
	defer Bind(saved)

	tab, err := coverage.NewTable(64)
	require.NoError(t, err)
	Bind(tab.Bytes())

	Hit(10)
	Hit(20)
	Hit(20)

	b := tab.Bytes()
	assert.Equal(t, byte(1), b[10%64])
	assert.Equal(t, byte(1), b[(20^5)%64])
	assert.Equal(t, byte(1), b[(20^10)%64])
	assert.Equal(t, 3, coverage.Count(b))
}

func TestBindRestartsChain(t *testing.T) {
	saved := CoverTab
	defer Bind(saved)

	run := func() []byte {
		tab, err := coverage.NewTable(32)
		require.NoError(t, err)
		Bind(tab.Bytes())
		Hit(3)
		Hit(7)
		return tab.Snapshot()
	}
	assert.Equal(t, run(), run())
}

func TestDeliveryValid(t *testing.T) {
	assert.True(t, DeliverStdin.Valid())
	assert.True(t, DeliverFile.Valid())
	assert.True(t, DeliverShm.Valid())
	assert.False(t, Delivery("pipe").Valid())
}

func TestSetupRequiresEnvironment(t *testing.T) {
	t.Setenv(EnvCommFD, "")
	_, _, err := setup()
	assert.ErrorContains(t, err, EnvCommFD)

	t.Setenv(EnvCommFD, "3")
	t.Setenv(EnvCoverSize, "65536")
	t.Setenv(EnvDelivery, "carrier-pigeon")
	_, _, err = setup()
	assert.ErrorContains(t, err, EnvDelivery)
}

func TestSelectFunc(t *testing.T) {
	funcs := map[string]func([]byte) int{
		"FuzzB": func([]byte) int { return 2 },
		"FuzzA": func([]byte) int { return 1 },
	}

	fn, name, err := SelectFunc(funcs, "")
	require.NoError(t, err)
	assert.Equal(t, "FuzzA", name)
	assert.Equal(t, 1, fn(nil))

	fn, name, err = SelectFunc(funcs, "FuzzB")
	require.NoError(t, err)
	assert.Equal(t, "FuzzB", name)
	assert.Equal(t, 2, fn(nil))

	_, _, err = SelectFunc(funcs, "FuzzC")
	assert.EqualError(t, err, "function FuzzC not available to fuzz")

	_, _, err = SelectFunc(nil, "")
	assert.EqualError(t, err, "no functions available to fuzz")
}
