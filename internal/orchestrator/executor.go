package orchestrator

import "sync"

// executor runs queued work serially per key and concurrently across keys.
// One context id never has two runs in flight, which is what keeps a single
// logical worker per task.
type executor struct {
	mu      sync.Mutex
	queues  map[string][]func()
	running map[string]bool
	wg      sync.WaitGroup
}

func newExecutor() *executor {
	return &executor{
		queues:  map[string][]func(){},
		running: map[string]bool{},
	}
}

func (e *executor) enqueue(key string, fn func()) {
	e.mu.Lock()
	e.queues[key] = append(e.queues[key], fn)
	if !e.running[key] {
		e.running[key] = true
		e.wg.Add(1)
		go e.drain(key)
	}
	e.mu.Unlock()
}

func (e *executor) drain(key string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		queue := e.queues[key]
		if len(queue) == 0 {
			e.running[key] = false
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		fn := queue[0]
		e.queues[key] = queue[1:]
		e.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued run has finished.
func (e *executor) wait() {
	e.wg.Wait()
}
