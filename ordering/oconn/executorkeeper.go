package oconn

import (
	"sync"

	"github.com/hyperledger/iroha-sub005/ordering"
)

// taskQueueDepth bounds the per-peer task backlog. Submissions past the
// bound block the submitter, acting as backpressure toward one slow
// peer without affecting the others.
const taskQueueDepth = 256

// ExecutorKeeper runs submitted tasks on one single goroutine per
// peer, so outbound requests toward a peer are strictly FIFO while
// different peers proceed fully in parallel.
type ExecutorKeeper struct {
	mu     sync.Mutex
	execs  map[string]*peerExecutor
	closed bool
}

type peerExecutor struct {
	mu      sync.Mutex
	stopped bool

	tasks chan func()
	done  chan struct{}
}

// NewExecutorKeeper returns a keeper with no executors; they are
// created lazily per peer key.
func NewExecutorKeeper() *ExecutorKeeper {
	return &ExecutorKeeper{
		execs: make(map[string]*peerExecutor),
	}
}

// ExecuteFor enqueues task on the executor owned by peerKey,
// creating the executor on first use. After Close, tasks are dropped.
func (k *ExecutorKeeper) ExecuteFor(peerKey string, task func()) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	ex, ok := k.execs[peerKey]
	if !ok {
		ex = newPeerExecutor()
		k.execs[peerKey] = ex
	}
	k.mu.Unlock()

	ex.submit(task)
}

// Sync drops executors for peers absent from the given list,
// letting their queued tasks drain first.
func (k *ExecutorKeeper) Sync(peers []ordering.Peer) {
	keep := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		keep[p.Key] = struct{}{}
	}

	k.mu.Lock()
	var dropped []*peerExecutor
	for key, ex := range k.execs {
		if _, ok := keep[key]; !ok {
			dropped = append(dropped, ex)
			delete(k.execs, key)
		}
	}
	k.mu.Unlock()

	for _, ex := range dropped {
		ex.stop()
	}
}

// Close stops every executor after its queued tasks drain.
func (k *ExecutorKeeper) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	execs := k.execs
	k.execs = make(map[string]*peerExecutor)
	k.mu.Unlock()

	for _, ex := range execs {
		ex.stop()
	}
}

func newPeerExecutor() *peerExecutor {
	ex := &peerExecutor{
		tasks: make(chan func(), taskQueueDepth),
		done:  make(chan struct{}),
	}
	go ex.run()
	return ex
}

func (ex *peerExecutor) run() {
	defer close(ex.done)
	for task := range ex.tasks {
		task()
	}
}

// submit enqueues task unless the executor is stopping.
// The send happens under the lock so it cannot race stop's channel
// close; the worker keeps draining regardless, so the lock is held
// only as long as the queue is full.
func (ex *peerExecutor) submit(task func()) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.stopped {
		return
	}
	ex.tasks <- task
}

func (ex *peerExecutor) stop() {
	ex.mu.Lock()
	if ex.stopped {
		ex.mu.Unlock()
		return
	}
	ex.stopped = true
	ex.mu.Unlock()

	close(ex.tasks)
	<-ex.done
}
