package discord

import (
	"sort"
	"strings"
)

// Router selects the sink URL for a message. Routes map hashtags to
// channel-specific webhook URLs; the priority list imposes a total order so
// a post carrying several routable tags lands in exactly one channel.
type Router struct {
	defaultURL string
	routes     map[string]string
	order      []string
}

// NewRouter builds a router. Tags are matched case-insensitively; priority
// entries that name no configured route are dropped, and configured routes
// missing from the priority list are appended in sorted order so selection
// stays deterministic.
func NewRouter(defaultURL string, routes map[string]string, priority []string) *Router {
	r := &Router{
		defaultURL: defaultURL,
		routes:     make(map[string]string, len(routes)),
	}

	for tag, url := range routes {
		r.routes[strings.ToLower(tag)] = url
	}

	seen := make(map[string]bool, len(r.routes))
	for _, tag := range priority {
		tag = strings.ToLower(tag)
		if _, ok := r.routes[tag]; ok && !seen[tag] {
			r.order = append(r.order, tag)
			seen[tag] = true
		}
	}

	var rest []string
	for tag := range r.routes {
		if !seen[tag] {
			rest = append(rest, tag)
		}
	}
	sort.Strings(rest)
	r.order = append(r.order, rest...)

	return r
}

// Route returns the sink URL for message: the highest-priority routable tag
// found in the text, or the default URL when nothing matches.
func (r *Router) Route(message string) string {
	if len(r.routes) == 0 {
		return r.defaultURL
	}

	lower := strings.ToLower(message)
	for _, tag := range r.order {
		if strings.Contains(lower, tag) {
			return r.routes[tag]
		}
	}
	return r.defaultURL
}
