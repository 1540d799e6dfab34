package cache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// RebuildPool 固定数量的协程执行缓存重建，队列满时直接拒绝
type RebuildPool struct {
	q      chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	log    *logrus.Logger
}

func NewRebuildPool(workers, qlen int, log *logrus.Logger) *RebuildPool {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	p := &RebuildPool{q: make(chan func(), qlen), log: log}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for f := range p.q {
				p.run(f)
			}
		}()
	}
	return p
}

func (p *RebuildPool) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("[RebuildPool] task panicked: %v", r)
		}
	}()
	f()
}

// Submit 非阻塞提交，返回 false 表示队列已满或已关闭
func (p *RebuildPool) Submit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.q <- f:
		return true
	default:
		return false
	}
}

// Close 停止接收新任务并等待已提交的任务执行完
func (p *RebuildPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.q)
	p.mu.Unlock()
	p.wg.Wait()
}
