package anchor

import "sync"

// Authorities records which signing authorities may act for an issuer. Any
// authority granted for an issuer may issue and revoke that issuer's
// credentials.
type Authorities struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{}
}

// NewAuthorities returns an empty registry.
func NewAuthorities() *Authorities {
	return &Authorities{grants: make(map[string]map[string]struct{})}
}

// Grant allows authority to act for issuerID.
func (a *Authorities) Grant(issuerID, authority string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.grants[issuerID]
	if !ok {
		set = make(map[string]struct{})
		a.grants[issuerID] = set
	}
	set[authority] = struct{}{}
}

// Withdraw removes a grant. Entries already anchored are unaffected.
func (a *Authorities) Withdraw(issuerID, authority string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[issuerID], authority)
}

// Allowed reports whether authority may act for issuerID.
func (a *Authorities) Allowed(issuerID, authority string) bool {
	if authority == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.grants[issuerID][authority]
	return ok
}
