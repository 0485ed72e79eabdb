package proxy

import "sync"

// RouteTracker maps preview instance ids to the last client-observed
// navigation path. Writes come from two sources: the gateway records
// server-observed content requests, and the injected route-watcher script
// reports client-side navigations through the API. Last write wins; entries
// for stopped instances are harmless garbage since instance ids never recur.
type RouteTracker struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewRouteTracker creates an empty RouteTracker.
func NewRouteTracker() *RouteTracker {
	return &RouteTracker{
		routes: make(map[string]string),
	}
}

// Set records the latest known path for an instance.
func (rt *RouteTracker) Set(instanceID, path string) {
	if path == "" {
		path = "/"
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes[instanceID] = path
}

// Get returns the last tracked path for an instance, defaulting to "/".
func (rt *RouteTracker) Get(instanceID string) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if path, ok := rt.routes[instanceID]; ok {
		return path
	}
	return "/"
}
