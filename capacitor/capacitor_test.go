package capacitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/astrocomm/broker/clock/clocktest"
	"github.com/stretchr/testify/assert"
)

func ExampleInterface() {
	var (
		c = New()
		w = new(sync.WaitGroup)
	)

	w.Add(1)

	// this may or may not be executed, depending on timing of the machine where this is run
	c.Submit(func() {})

	// we'll wait until this is executed
	c.Submit(func() {
		fmt.Println("Discharged")
		w.Done()
	})

	w.Wait()

	// Output:
	// Discharged
}

func testWithDelayDefault(t *testing.T) {
	var (
		assert = assert.New(t)
		c      = new(capacitor)
	)

	WithDelay(0)(c)
	assert.Equal(DefaultDelay, c.delay)
}

func testWithDelayCustom(t *testing.T) {
	var (
		assert = assert.New(t)
		c      = new(capacitor)
	)

	WithDelay(31 * time.Minute)(c)
	assert.Equal(31*time.Minute, c.delay)
}

func TestWithDelay(t *testing.T) {
	t.Run("Default", testWithDelayDefault)
	t.Run("Custom", testWithDelayCustom)
}

func testWithClockDefault(t *testing.T) {
	var (
		assert = assert.New(t)
		c      = new(capacitor)
	)

	WithClock(nil)(c)
	assert.NotNil(c.c)
}

func testWithClockCustom(t *testing.T) {
	var (
		assert = assert.New(t)
		cl     = clocktest.NewFake(time.Now())
		c      = new(capacitor)
	)

	WithClock(cl)(c)
	assert.Equal(cl, c.c)
}

func TestWithClock(t *testing.T) {
	t.Run("Default", testWithClockDefault)
	t.Run("Custom", testWithClockCustom)
}

func TestDischargeRunsLatest(t *testing.T) {
	var (
		assert = assert.New(t)
		c      = New(WithDelay(time.Hour))

		lock sync.Mutex
		ran  []int
	)

	record := func(n int) func() {
		return func() {
			lock.Lock()
			ran = append(ran, n)
			lock.Unlock()
		}
	}

	c.Submit(record(1))
	c.Submit(record(2))
	c.Discharge()

	assert.Eventually(func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(ran) == 1 && ran[0] == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCancelDropsPending(t *testing.T) {
	var (
		assert = assert.New(t)
		c      = New(WithDelay(time.Hour))

		lock sync.Mutex
		ran  bool
	)

	c.Submit(func() {
		lock.Lock()
		ran = true
		lock.Unlock()
	})

	c.Cancel()
	time.Sleep(50 * time.Millisecond)

	lock.Lock()
	defer lock.Unlock()
	assert.False(ran)
}
