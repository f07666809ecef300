package server

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Presence maps each online identity to the connection it is reachable on.
// Its keys are the presence set.
type Presence struct {
	mu     sync.RWMutex
	online map[string]*Client
}

func NewPresence() *Presence {
	return &Presence{online: make(map[string]*Client)}
}

// SetOnline binds identityID to c and returns the connection it superseded, if
// any. A superseded connection stays open but is no longer addressable.
func (p *Presence) SetOnline(identityID string, c *Client) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.online[identityID]
	p.online[identityID] = c
	if previous == c {
		return nil
	}
	return previous
}

// Connection returns the live connection of identityID.
func (p *Presence) Connection(identityID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.online[identityID]
	return c, ok
}

// SetOffline removes identityID whatever it is bound to.
func (p *Presence) SetOffline(identityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.online, identityID)
}

// SetOfflineIf removes identityID only while it is still bound to c, and
// reports whether it did.
func (p *Presence) SetOfflineIf(identityID string, c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.online[identityID] != c {
		return false
	}
	delete(p.online, identityID)
	return true
}

// ListOnline returns a sorted snapshot of the presence set.
func (p *Presence) ListOnline() []string {
	p.mu.RLock()
	ids := lo.Keys(p.online)
	p.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}
