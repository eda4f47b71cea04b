package sxm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatesfr/sxmd/pkg/sxm"
)

func TestCleanupRunsInReverseOrder(t *testing.T) {
	var order []int

	c := sxm.NewCleanup()
	c.Add(func() { order = append(order, 1) })
	c.Add(func() { order = append(order, 2) })
	c.Add(func() { order = append(order, 3) })

	c.Run()

	require.Equal(t, []int{3, 2, 1}, order)
}

func TestCleanupSurvivesPanickingAction(t *testing.T) {
	var ran []string

	c := sxm.NewCleanup()
	c.Add(func() { ran = append(ran, "first") })
	c.Add(func() { panic("boom") })
	c.Add(func() { ran = append(ran, "third") })

	require.NotPanics(t, func() { c.Run() })
	require.Equal(t, []string{"third", "first"}, ran)
}

func TestCleanupCombinePrependsOtherStack(t *testing.T) {
	var order []string

	inner := sxm.NewCleanup()
	inner.Add(func() { order = append(order, "inner-1") })
	inner.Add(func() { order = append(order, "inner-2") })

	outer := sxm.NewCleanup()
	outer.Add(func() { order = append(order, "outer-1") })
	outer.Combine(inner)

	outer.Run()

	// outer's own action unwinds first (it was pushed last), then inner's
	// actions unwind in inner's own reverse order.
	require.Equal(t, []string{"outer-1", "inner-2", "inner-1"}, order)
}

func TestCleanupCombineNilIsNoop(t *testing.T) {
	c := sxm.NewCleanup()
	c.Add(func() {})

	require.NotPanics(t, func() { c.Combine(nil) })
}
