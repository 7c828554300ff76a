package handlers

import (
	"sync"

	"github.com/MegaGrindStone/scout-web-ui/internal/chat"
)

// publisher renders and publishes the updates of one conversation. The conversation calls observe
// with its lock held, so observe only queues the update; a goroutine drains the queue while it is
// not empty. Queued updates of a streaming message collapse into the latest one, which holds the
// whole content anyway.
type publisher struct {
	m         Main
	sessionID string

	mu      sync.Mutex
	queue   []chat.Update
	running bool

	// Only touched by the draining goroutine.
	charts map[string]string
}

func newPublisher(m Main, sessionID string) *publisher {
	return &publisher{
		m:         m,
		sessionID: sessionID,
		charts:    map[string]string{},
	}
}

func (p *publisher) observe(u chat.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.queue); n > 0 && !p.queue[n-1].Done && p.queue[n-1].Message.ID == u.Message.ID {
		p.queue[n-1] = u
	} else {
		p.queue = append(p.queue, u)
	}

	if !p.running {
		p.running = true
		go p.drain()
	}
}

func (p *publisher) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		u := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.m.publish(p.sessionID, u, p.charts)
	}
}
