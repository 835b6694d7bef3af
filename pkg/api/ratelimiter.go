package api

import (
	"context"
	"errors"
	"time"
)

var errLimiterStopped = errors.New("rate limiter stopped")

// RateLimiter serialises record queries per client IP: one query in flight
// per IP and a cooldown between consecutive ones. All bookkeeping lives in
// a single goroutine; handlers talk to it over channels.
type RateLimiter struct {
	cooldown time.Duration
	acquire  chan limitRequest
	release  chan string
	wake     chan string
	quit     chan struct{}
	now      func() time.Time
}

type limitRequest struct {
	ctx     context.Context
	ip      string
	arrived time.Time
	reply   chan limitReply
}

type limitReply struct {
	wait time.Duration
	err  error
}

type ipState struct {
	busy       bool
	lastFinish time.Time
	queue      []limitRequest
	waking     bool
}

// Permit is one granted slot. Release it when the handler is done.
type Permit struct {
	l            *RateLimiter
	ip           string
	WaitDuration time.Duration
}

// Release hands the slot back; a second call is a no-op.
func (p *Permit) Release() {
	if p == nil || p.l == nil {
		return
	}
	l := p.l
	p.l = nil
	select {
	case l.release <- p.ip:
	case <-l.quit:
	}
}

// NewRateLimiter starts the limiter goroutine.
func NewRateLimiter(cooldown time.Duration) *RateLimiter {
	l := &RateLimiter{
		cooldown: cooldown,
		acquire:  make(chan limitRequest),
		release:  make(chan string),
		wake:     make(chan string),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go l.loop()
	return l
}

// Close stops the goroutine. Pending Acquire calls fail.
func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

// Acquire waits for ip's turn. A nil limiter grants immediately.
func (l *RateLimiter) Acquire(ctx context.Context, ip string) (*Permit, error) {
	if l == nil {
		return &Permit{}, nil
	}
	req := limitRequest{ctx: ctx, ip: ip, arrived: l.now(), reply: make(chan limitReply, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.quit:
		return nil, errLimiterStopped
	case l.acquire <- req:
	}

	select {
	case rep := <-req.reply:
		if rep.err != nil {
			return nil, rep.err
		}
		return &Permit{l: l, ip: ip, WaitDuration: rep.wait}, nil
	case <-l.quit:
		return nil, errLimiterStopped
	case <-ctx.Done():
		// The loop answers every queued request; give back a slot granted
		// after we stopped waiting.
		go func() {
			select {
			case rep := <-req.reply:
				if rep.err == nil {
					(&Permit{l: l, ip: ip}).Release()
				}
			case <-l.quit:
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *RateLimiter) loop() {
	ips := make(map[string]*ipState)

	for {
		select {
		case <-l.quit:
			for _, st := range ips {
				for _, req := range st.queue {
					req.reply <- limitReply{err: errLimiterStopped}
				}
			}
			return

		case req := <-l.acquire:
			st := ips[req.ip]
			if st == nil {
				st = &ipState{}
				ips[req.ip] = st
			}
			st.queue = append(st.queue, req)
			l.grant(req.ip, st)

		case ip := <-l.release:
			st := ips[ip]
			if st == nil {
				continue
			}
			st.busy = false
			st.lastFinish = l.now()
			l.grant(ip, st)
			if !st.busy && len(st.queue) == 0 && !st.waking {
				if l.cooldown <= 0 {
					delete(ips, ip)
				} else {
					// Forget the IP once its cooldown lapses.
					l.armWake(ip, st, l.cooldown)
				}
			}

		case ip := <-l.wake:
			st := ips[ip]
			if st == nil {
				continue
			}
			st.waking = false
			l.grant(ip, st)
			if !st.busy && len(st.queue) == 0 && !st.waking {
				delete(ips, ip)
			}
		}
	}
}

// grant hands the slot to the next live request of ip, or arms a wake-up
// when the cooldown has not elapsed yet.
func (l *RateLimiter) grant(ip string, st *ipState) {
	if st.busy {
		return
	}
	for len(st.queue) > 0 {
		req := st.queue[0]
		if req.ctx.Err() != nil {
			st.queue = st.queue[1:]
			req.reply <- limitReply{err: req.ctx.Err()}
			continue
		}
		now := l.now()
		if !st.lastFinish.IsZero() {
			if readyAt := st.lastFinish.Add(l.cooldown); now.Before(readyAt) {
				l.armWake(ip, st, readyAt.Sub(now))
				return
			}
		}
		st.queue = st.queue[1:]
		st.busy = true
		wait := now.Sub(req.arrived)
		if wait < 0 {
			wait = 0
		}
		req.reply <- limitReply{wait: wait}
		return
	}
}

func (l *RateLimiter) armWake(ip string, st *ipState, after time.Duration) {
	if st.waking {
		return
	}
	st.waking = true
	time.AfterFunc(after, func() {
		select {
		case l.wake <- ip:
		case <-l.quit:
		}
	})
}
