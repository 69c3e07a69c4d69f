package liquidation

import "sync"

// InFlight guarantees at most one concurrent liquidation attempt per token
// within the process. It is safe for concurrent use.
type InFlight struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{tokens: make(map[string]struct{})}
}

// TryAcquire claims tokenID. When ok is true the caller must call release,
// which is idempotent, on every exit path.
func (f *InFlight) TryAcquire(tokenID string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.tokens[tokenID]; busy {
		return nil, false
	}
	f.tokens[tokenID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.tokens, tokenID)
			f.mu.Unlock()
		})
	}, true
}

// Contains reports whether tokenID is currently claimed.
func (f *InFlight) Contains(tokenID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[tokenID]
	return ok
}

// Len returns the number of claimed tokens.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}
