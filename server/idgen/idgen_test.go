package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Len(t, id, 20)
	assert.Regexp(t, `^[a-z2-7]+$`, id)
}

func TestNewIsUnique(t *testing.T) {
	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[string]bool, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := New()
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
