package organize

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockRegistrySerializesSamePath(t *testing.T) {
	t.Parallel()

	locks := NewLockRegistry()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("study-ds000001")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLockRegistryIndependentPaths(t *testing.T) {
	t.Parallel()

	locks := NewLockRegistry()

	// Holding one study's lock must not block another's
	unlockA := locks.Lock("study-ds000001")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("study-ds000002")
		unlockB()
		close(done)
	}()
	<-done
}

func TestLockParent(t *testing.T) {
	t.Parallel()

	locks := NewLockRegistry()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.LockParent()
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
