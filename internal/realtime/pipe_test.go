package realtime

import (
	"context"
	"errors"
	"sync"
)

var (
	errPipeClosed = errors.New("pipe closed")
	errSendFailed = errors.New("send failed")
)

// pipeLink joins two in-memory transports.
type pipeLink struct {
	mu     sync.Mutex
	closed bool
	ends   [2]*pipeEnd
}

type pipeEnd struct {
	link   *pipeLink
	idx    int
	frames chan []byte

	// guarded by link.mu
	failing bool
	drop    func(frame []byte) bool
	sent    [][]byte
}

func newPipe() (*pipeEnd, *pipeEnd) {
	link := &pipeLink{}
	for i := range link.ends {
		link.ends[i] = &pipeEnd{link: link, idx: i, frames: make(chan []byte, 1024)}
	}
	return link.ends[0], link.ends[1]
}

func (e *pipeEnd) Send(ctx context.Context, frame []byte) error {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()

	if e.link.closed {
		return errPipeClosed
	}
	if e.failing {
		return errSendFailed
	}
	e.sent = append(e.sent, frame)
	if e.drop != nil && e.drop(frame) {
		return nil
	}
	select {
	case e.link.ends[1-e.idx].frames <- frame:
		return nil
	default:
		return errors.New("pipe full")
	}
}

func (e *pipeEnd) Frames() <-chan []byte {
	return e.frames
}

func (e *pipeEnd) Close() error {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()

	if e.link.closed {
		return nil
	}
	e.link.closed = true
	for _, end := range e.link.ends {
		close(end.frames)
	}
	return nil
}

// inject delivers a raw frame to this end as if the partner sent it.
func (e *pipeEnd) inject(frame []byte) {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	if !e.link.closed {
		e.frames <- frame
	}
}

func (e *pipeEnd) setFailing(failing bool) {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	e.failing = failing
}

func (e *pipeEnd) setDrop(drop func(frame []byte) bool) {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	e.drop = drop
}

func (e *pipeEnd) sentFrames() [][]byte {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	out := make([][]byte, len(e.sent))
	copy(out, e.sent)
	return out
}
