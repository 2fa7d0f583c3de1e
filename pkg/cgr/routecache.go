package cgr

import (
	"sort"
	"sync"
	"time"
)

// routeList holds the routes computed for one terminus, kept sorted in
// ascending arrival_time order.
type routeList struct {
	routes []*Route
}

func (rl *routeList) insertSorted(r *Route) {
	i := sort.Search(len(rl.routes), func(i int) bool {
		return rl.routes[i].ArrivalTime.After(r.ArrivalTime)
	})
	rl.routes = append(rl.routes, nil)
	copy(rl.routes[i+1:], rl.routes[i:])
	rl.routes[i] = r
}

// RouteCache holds per-terminus lists of precomputed routes, invalidated
// wholesale whenever the contact plan changes.
type RouteCache struct {
	mu           sync.Mutex
	lastLoadTime time.Time
	byTerminus   map[uint64]*routeList
}

// NewRouteCache returns an empty route cache.
func NewRouteCache() *RouteCache {
	return &RouteCache{byTerminus: make(map[uint64]*routeList)}
}

// stale reports whether the cache needs a full rebuild: the contact
// plan's last edit happened after this cache's last load. Caller must
// hold rc.mu.
func (rc *RouteCache) stale(planEditTime time.Time) bool {
	return rc.lastLoadTime.Before(planEditTime)
}

// invalidate discards every cached route list and records the new load
// time. Caller must hold rc.mu.
func (rc *RouteCache) invalidate(loadTime time.Time) {
	rc.byTerminus = make(map[uint64]*routeList)
	rc.lastLoadTime = loadTime
}

// GetOrBuild returns the cached route list for terminus, first discarding
// the whole cache if the contact plan has been edited since the last
// build (the contact plan's last-edit-time exceeds the cache's
// last-load-time). build is invoked at most once, with rc.mu held, so
// concurrent Plan calls for the same terminus never race to build it
// twice.
func (rc *RouteCache) GetOrBuild(terminus uint64, planEditTime, now time.Time, build func() *routeList) *routeList {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.stale(planEditTime) {
		rc.invalidate(now)
	}
	if rl, ok := rc.byTerminus[terminus]; ok {
		return rl
	}
	rl := build()
	rc.byTerminus[terminus] = rl
	return rl
}
