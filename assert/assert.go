// Package assert wraps gotest.tools and testify assertions so failures print
// the full eris stack of the offending error, and adds comparisons for world
// entities.
package assert

import (
	"time"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/rotisserie/eris"
	testify "github.com/stretchr/testify/assert"
	gotest "gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/worldstore/types"
)

type helperT interface {
	Helper()
}

func helper(t any) {
	if ht, ok := t.(helperT); ok {
		ht.Helper()
	}
}

func Assert(t gotest.TestingT, comparison gotest.BoolOrComparison, msgAndArgs ...interface{}) {
	helper(t)
	gotest.Assert(t, comparison, msgAndArgs...)
}

func Check(t gotest.TestingT, comparison gotest.BoolOrComparison, msgAndArgs ...interface{}) bool {
	helper(t)
	return gotest.Check(t, comparison, msgAndArgs...)
}

func NilError(t gotest.TestingT, err error, msgAndArgs ...interface{}) {
	helper(t)
	msgAndArgs = append([]interface{}{eris.ToString(err, true)}, msgAndArgs...)
	gotest.NilError(t, err, msgAndArgs...)
}

func Equal(t gotest.TestingT, x, y interface{}, msgAndArgs ...interface{}) {
	helper(t)
	gotest.Equal(t, x, y, msgAndArgs...)
}

func DeepEqual(t gotest.TestingT, x, y interface{}, opts ...gocmp.Option) {
	helper(t)
	gotest.DeepEqual(t, x, y, opts...)
}

func ErrorContains(t gotest.TestingT, err error, substring string, msgAndArgs ...interface{}) {
	helper(t)
	msgAndArgs = append([]interface{}{eris.ToString(err, true)}, msgAndArgs...)
	gotest.ErrorContains(t, eris.Cause(err), substring, msgAndArgs...)
}

func ErrorIs(t gotest.TestingT, err error, expected error, msgAndArgs ...interface{}) {
	helper(t)
	msgAndArgs = append([]interface{}{eris.ToString(err, true)}, msgAndArgs...)
	gotest.Check(t, eris.Is(err, expected), msgAndArgs...)
}

// Entity compares two entities component by component. Either may be nil.
func Entity(t gotest.TestingT, want, got *types.Entity) {
	helper(t)
	gotest.DeepEqual(t, want, got)
}

// Components checks the membership of a component set.
func Components(t gotest.TestingT, set types.ComponentSet, want ...types.ComponentID) {
	helper(t)
	gotest.DeepEqual(t, types.NewComponentSet(want...).IDs(), set.IDs())
}

// testify assert wrappers

func True(t testify.TestingT, value bool, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.True(t, value, msgAndArgs...)
}

func False(t testify.TestingT, value bool, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.False(t, value, msgAndArgs...)
}

func Nil(t testify.TestingT, object interface{}, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.Nil(t, object, msgAndArgs...)
}

func NotNil(t testify.TestingT, object interface{}, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.NotNil(t, object, msgAndArgs...)
}

func Len(t testify.TestingT, object interface{}, length int, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.Len(t, object, length, msgAndArgs...)
}

func Empty(t testify.TestingT, object interface{}, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.Empty(t, object, msgAndArgs...)
}

func Contains(t testify.TestingT, s, contains interface{}, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.Contains(t, s, contains, msgAndArgs...)
}

func ElementsMatch(t testify.TestingT, listA, listB interface{}, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.ElementsMatch(t, listA, listB, msgAndArgs...)
}

func Eventually(
	t testify.TestingT, condition func() bool, waitFor time.Duration, tick time.Duration,
	msgAndArgs ...interface{},
) bool {
	helper(t)
	return testify.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

func Panics(t testify.TestingT, f testify.PanicTestFunc, msgAndArgs ...interface{}) bool {
	helper(t)
	return testify.Panics(t, f, msgAndArgs...)
}
