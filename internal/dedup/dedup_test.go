package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldDeliverSuppressesRepeats(t *testing.T) {
	d := New(10)
	for _, n := range []int{2, 3, 10} {
		id := fmt.Sprintf("evt-%d", n)
		delivered := 0
		for i := 0; i < n; i++ {
			if d.ShouldDeliver(id) {
				delivered++
			}
		}
		assert.Equal(t, 1, delivered, id)
	}
}

func TestEmptyIDAlwaysDelivered(t *testing.T) {
	d := New(10)
	for i := 0; i < 5; i++ {
		assert.True(t, d.ShouldDeliver(""))
	}
	assert.Equal(t, 0, d.Len())
}

func TestBoundedAfterPrune(t *testing.T) {
	d := New(100)
	for i := 0; i < 10_000; i++ {
		d.ShouldDeliver(fmt.Sprintf("id-%d", i))
	}
	assert.LessOrEqual(t, d.Len(), 201)

	// Ids inserted after the last prune are still recognised.
	assert.False(t, d.ShouldDeliver("id-9999"))
	assert.False(t, d.ShouldDeliver("id-9950"))
}

func TestRecentlyPrunedStillDetected(t *testing.T) {
	d := New(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, d.ShouldDeliver(id))
	}
	// "a".."d" rolled into the previous generation.
	assert.False(t, d.ShouldDeliver("a"))
	assert.True(t, d.ShouldDeliver("e"))

	d.Reset()
	assert.True(t, d.ShouldDeliver("a"))
}
