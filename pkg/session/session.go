// Package session tracks negotiated connection tokens. A token is issued
// with a TTL, refreshed on every push request, and expired by a background
// sweeper when the client stops polling without aborting.
package session

import (
    "container/heap"
    "sync"
    "sync/atomic"
    "time"
)

// Options configure a Store.
type Options struct {
    // TTL is how long an untouched token stays valid. Default 2m.
    TTL time.Duration
    // MaxSessions caps concurrently live tokens (0 = unlimited).
    MaxSessions int
}

func (o Options) withDefaults() Options {
    if o.TTL <= 0 {
        o.TTL = 2 * time.Minute
    }
    return o
}

type entry struct {
    issuedAt time.Time
    expireAt int64 // unix nano
}

// Store is an in-memory token registry with heap-driven expiry.
type Store struct {
    opts    Options
    mu      sync.Mutex
    tokens  map[string]*entry
    expq    expQueue
    cond    *sync.Cond
    closed  bool
    closeCh chan struct{}
    wg      sync.WaitGroup

    nowFn func() time.Time

    mIssued  atomic.Uint64
    mExpired atomic.Uint64
    mRemoved atomic.Uint64
}

// New constructs a Store and starts its expirer goroutine.
func New(opts Options) *Store {
    s := &Store{
        opts:    opts.withDefaults(),
        tokens:  make(map[string]*entry),
        closeCh: make(chan struct{}),
        nowFn:   time.Now,
    }
    s.cond = sync.NewCond(&s.mu)
    heap.Init(&s.expq)
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the expirer. The store stays readable but no longer expires.
func (s *Store) Close() {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return
    }
    s.closed = true
    close(s.closeCh)
    s.cond.Broadcast()
    s.mu.Unlock()
    s.wg.Wait()
}

// Issue registers a token. Returns false when the session cap is reached
// or the token is already live.
func (s *Store) Issue(token string) bool {
    now := s.nowFn()
    s.mu.Lock()
    defer s.mu.Unlock()
    if _, ok := s.tokens[token]; ok {
        return false
    }
    if s.opts.MaxSessions > 0 && len(s.tokens) >= s.opts.MaxSessions {
        return false
    }
    exp := now.Add(s.opts.TTL).UnixNano()
    s.tokens[token] = &entry{issuedAt: now, expireAt: exp}
    heap.Push(&s.expq, expItem{when: exp, token: token})
    s.mIssued.Add(1)
    s.cond.Broadcast()
    return true
}

// Touch refreshes the token's TTL. Returns false for unknown or expired
// tokens; an expired entry is removed lazily here rather than waiting for
// the expirer.
func (s *Store) Touch(token string) bool {
    now := s.nowFn()
    s.mu.Lock()
    defer s.mu.Unlock()
    e, ok := s.tokens[token]
    if !ok {
        return false
    }
    if e.expireAt <= now.UnixNano() {
        delete(s.tokens, token)
        s.mExpired.Add(1)
        return false
    }
    e.expireAt = now.Add(s.opts.TTL).UnixNano()
    heap.Push(&s.expq, expItem{when: e.expireAt, token: token})
    s.cond.Broadcast()
    return true
}

// Exists reports whether the token is live without refreshing it.
func (s *Store) Exists(token string) bool {
    now := s.nowFn().UnixNano()
    s.mu.Lock()
    defer s.mu.Unlock()
    e, ok := s.tokens[token]
    return ok && e.expireAt > now
}

// Remove deletes a token, typically on abort.
func (s *Store) Remove(token string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if _, ok := s.tokens[token]; !ok {
        return false
    }
    delete(s.tokens, token)
    s.mRemoved.Add(1)
    return true
}

// Len returns the number of live tokens.
func (s *Store) Len() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.tokens)
}

// Stats is a metrics snapshot.
type Stats struct {
    Live    int
    Issued  uint64
    Expired uint64
    Removed uint64
}

func (s *Store) Metrics() Stats {
    return Stats{
        Live:    s.Len(),
        Issued:  s.mIssued.Load(),
        Expired: s.mExpired.Load(),
        Removed: s.mRemoved.Load(),
    }
}

// expirer sleeps until the earliest deadline, then drops entries whose
// current expireAt has passed. Stale heap items for refreshed tokens are
// skipped because the entry's expireAt moved forward.
func (s *Store) expirer() {
    defer s.wg.Done()
    for {
        s.mu.Lock()
        for s.expq.Len() == 0 && !s.closed {
            s.cond.Wait()
        }
        if s.closed {
            s.mu.Unlock()
            return
        }
        it := s.expq.items[0]
        now := s.nowFn().UnixNano()
        if it.when > now {
            d := time.Duration(it.when - now)
            s.mu.Unlock()
            timer := time.NewTimer(d)
            select {
            case <-timer.C:
            case <-s.closeCh:
                timer.Stop()
                return
            }
            continue
        }
        heap.Pop(&s.expq)
        if e, ok := s.tokens[it.token]; ok && e.expireAt <= now {
            delete(s.tokens, it.token)
            s.mExpired.Add(1)
        }
        s.mu.Unlock()
    }
}

type expItem struct {
    when  int64
    token string
}

type expQueue struct {
    items []expItem
}

func (q *expQueue) Len() int            { return len(q.items) }
func (q *expQueue) Less(i, j int) bool  { return q.items[i].when < q.items[j].when }
func (q *expQueue) Swap(i, j int)       { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *expQueue) Push(x any)          { q.items = append(q.items, x.(expItem)) }
func (q *expQueue) Pop() any            { old := q.items; n := len(old); it := old[n-1]; q.items = old[:n-1]; return it }
