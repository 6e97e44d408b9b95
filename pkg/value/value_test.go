package value_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/instcache/pkg/arena"
	"github.com/calvinalkan/instcache/pkg/value"
)

var equateEmpty = cmpopts.EquateEmpty()

func newArena(t *testing.T, size int) *arena.Arena {
	t.Helper()

	a, err := arena.Init(make([]byte, size))
	require.NoError(t, err)

	return a
}

func sample() value.Value {
	return &value.Array{Pairs: []value.Pair{
		{Key: value.String("name"), Val: value.String("widget")},
		{Key: value.String("count"), Val: value.Int(-42)},
		{Key: value.String("ratio"), Val: value.Float(0.25)},
		{Key: value.String("on"), Val: value.Bool(true)},
		{Key: value.String("off"), Val: value.Bool(false)},
		{Key: value.String("none"), Val: value.Null{}},
		{Key: value.String("empty"), Val: value.String("")},
		{Key: value.Int(7), Val: value.List(value.Int(1), value.List(), value.String("x"))},
	}}
}

func nested(depth int) value.Value {
	var v value.Value = value.Int(1)
	for range depth - 1 {
		v = value.List(v)
	}

	return v
}

func Test_CopyInto_Load_Returns_Equal_Value_When_Round_Tripped(t *testing.T) {
	t.Parallel()

	for _, withConstants := range []bool{false, true} {
		a := newArena(t, 1<<16)

		var consts *value.Constants

		if withConstants {
			c, err := value.NewConstants(a)
			require.NoError(t, err)

			consts = &c
		}

		off, err := value.CopyInto(a, sample(), consts)
		require.NoError(t, err)

		got, err := value.Load(a, off)
		require.NoError(t, err)

		if diff := cmp.Diff(sample(), got, equateEmpty); diff != "" {
			t.Fatalf("constants=%v: round trip mismatch (-want +got):\n%s", withConstants, diff)
		}
	}
}

func Test_Destroy_Releases_Everything_But_Constants(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	consts, err := value.NewConstants(a)
	require.NoError(t, err)

	baseline := a.Stats().Used

	off, err := value.CopyInto(a, sample(), &consts)
	require.NoError(t, err)
	require.Greater(t, a.Stats().Used, baseline)

	require.NoError(t, value.Destroy(a, off))
	require.Equal(t, baseline, a.Stats().Used)
	require.NoError(t, a.Verify())

	// Constants survive and still decode.
	got, err := value.Load(a, consts.True)
	require.NoError(t, err)
	require.Equal(t, value.Bool(true), got)
}

func Test_Destroy_Returns_ErrCorrupt_When_Destroyed_Twice(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	guard, err := value.CopyInto(a, value.Int(1), nil)
	require.NoError(t, err)

	off, err := value.CopyInto(a, value.String("abcdefghijklmnopqrstuvwxyz"), nil)
	require.NoError(t, err)

	// Keep off out of the bump tail so its bytes stay in place.
	_, err = value.CopyInto(a, value.Int(2), nil)
	require.NoError(t, err)

	require.NoError(t, value.Destroy(a, off))
	require.ErrorIs(t, value.Destroy(a, off), value.ErrCorrupt)
	require.NotZero(t, guard)
}

func Test_CopyInto_Rolls_Back_When_Depth_Limit_Exceeded(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<20)

	_, err := value.CopyInto(a, nested(value.MaxDepth), nil)
	require.NoError(t, err)

	before := a.Stats()

	_, err = value.CopyInto(a, nested(value.MaxDepth+1), nil)
	require.ErrorIs(t, err, value.ErrDepthLimitExceeded)

	after := a.Stats()
	require.Equal(t, before.Used, after.Used)
	require.Equal(t, before.RealUsed, after.RealUsed)
	require.NoError(t, a.Verify())
}

func Test_CopyInto_Rolls_Back_When_Arena_Exhausted(t *testing.T) {
	t.Parallel()

	a := newArena(t, arena.MinRegionSize)

	big := value.List(value.String(strings.Repeat("a", 1000)), value.String(strings.Repeat("b", 4000)))

	_, err := value.CopyInto(a, big, nil)
	require.ErrorIs(t, err, value.ErrMemoryLimitExceeded)
	require.Zero(t, a.Stats().Used)
	require.NoError(t, a.Verify())

	// The source is still intact and usable.
	got, ok := big.Get(value.Int(0))
	require.True(t, ok)
	require.Len(t, string(got.(value.String)), 1000)
}

func Test_CopyInto_Returns_ErrInvalidKey_When_Key_Not_Int_Or_String(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	bad := &value.Array{Pairs: []value.Pair{{Key: value.Float(1.5), Val: value.Null{}}}}

	_, err := value.CopyInto(a, bad, nil)
	require.ErrorIs(t, err, value.ErrInvalidKey)
	require.Zero(t, a.Stats().Used)
}

func Test_Load_Returns_ErrCorrupt_When_Offset_Is_Garbage(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	off := a.Allocate0(32)
	_, err := value.Load(a, off)
	require.ErrorIs(t, err, value.ErrCorrupt)

	_, err = value.Load(a, 0)
	require.ErrorIs(t, err, value.ErrCorrupt)
}

func Test_EstimateMemoryUsage_Covers_Actual_Usage(t *testing.T) {
	t.Parallel()

	a := newArena(t, 1<<16)

	off, err := value.CopyInto(a, sample(), nil)
	require.NoError(t, err)
	require.NotZero(t, off)

	assert.Equal(t, a.Stats().Used, value.EstimateMemoryUsage(sample()))
}

func Test_Clone_Returns_Independent_Copy(t *testing.T) {
	t.Parallel()

	orig := value.List(value.String("a"), value.List(value.Int(1)))

	c, err := value.Clone(orig)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(orig, c))

	inner, _ := orig.Get(value.Int(1))
	inner.(*value.Array).Set(value.Int(0), value.Int(99))

	cloned, _ := c.(*value.Array).Get(value.Int(1))
	got, _ := cloned.(*value.Array).Get(value.Int(0))
	require.Equal(t, value.Int(1), got)

	_, err = value.Clone(nested(value.MaxDepth + 1))
	require.ErrorIs(t, err, value.ErrDepthLimitExceeded)
}

func Test_ParseJSON_Preserves_Key_Order_And_Types(t *testing.T) {
	t.Parallel()

	got, err := value.ParseJSON([]byte(`{
		// comment
		"z": 1,
		"a": [true, null, 1.5, "s"],
		"n": -7,
		"z": 2,
	}`))
	require.NoError(t, err)

	want := &value.Array{Pairs: []value.Pair{
		{Key: value.String("z"), Val: value.Int(2)},
		{Key: value.String("a"), Val: value.List(value.Bool(true), value.Null{}, value.Float(1.5), value.String("s"))},
		{Key: value.String("n"), Val: value.Int(-7)},
	}}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parse mismatch (-want +got):\n%s", diff)
	}
}

func Test_ParseJSON_Returns_Error_When_Input_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{``, `{`, `[1, 2`, `1 2`, `{"a" 1}`} {
		_, err := value.ParseJSON([]byte(input))
		require.Error(t, err, "input %q", input)
	}

	deep := strings.Repeat("[", value.MaxDepth+1) + strings.Repeat("]", value.MaxDepth+1)
	_, err := value.ParseJSON([]byte(deep))
	require.ErrorIs(t, err, value.ErrDepthLimitExceeded)
}

func Test_Format_Renders_Lists_And_Maps(t *testing.T) {
	t.Parallel()

	require.Equal(t, `[1, "a", null]`, value.Format(value.List(value.Int(1), value.String("a"), value.Null{})))
	require.Equal(t, `{"k": true, 3: 0.5}`, value.Format(&value.Array{Pairs: []value.Pair{
		{Key: value.String("k"), Val: value.Bool(true)},
		{Key: value.Int(3), Val: value.Float(0.5)},
	}}))
}
