package post

import (
	"sync"
	"testing"

	"github.com/bmizerany/assert"
)

func TestPost(t *testing.T) {
	var a int
	Post(func() {
		a = 1
	})
	Tick()
	if a != 1 {
		t.Errorf("t should be 1")
	}
}

func TestQueueNestedPost(t *testing.T) {
	var q Queue
	var order []int
	q.Post(func() {
		order = append(order, 1)
		q.Post(func() {
			order = append(order, 3)
		})
	})
	q.Post(func() {
		order = append(order, 2)
	})
	n := q.Tick()
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentPost(t *testing.T) {
	var q Queue
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Post(func() {})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Tick())
}

func TestQueuePanicDoesNotStop(t *testing.T) {
	var q Queue
	ran := false
	q.Post(func() { panic("boom") })
	q.Post(func() { ran = true })
	q.Tick()
	assert.T(t, ran, "callback after panicking one should run")
}
