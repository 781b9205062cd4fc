package proxy

import "sync"

// RouteTable is the in-memory table the Deployment Controller populates
// and invalidates on state transitions, and the Reverse Proxy reads on
// every request. Copy-on-write would cost an allocation per transition
// for a table that's read far more than written; a plain RWMutex map
// keeps reads cheap without that tradeoff.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]string // deploymentID -> internal host:port
}

// NewRouteTable builds an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: map[string]string{}}
}

// Set records deploymentID's internal endpoint, called once a deployment
// becomes running.
func (t *RouteTable) Set(deploymentID, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[deploymentID] = endpoint
}

// Remove invalidates deploymentID's route, called on any transition away
// from running.
func (t *RouteTable) Remove(deploymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, deploymentID)
}

// Lookup returns deploymentID's internal endpoint, if running.
func (t *RouteTable) Lookup(deploymentID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoint, ok := t.routes[deploymentID]
	return endpoint, ok
}
