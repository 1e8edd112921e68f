package server

import (
	"context"
	"sync"
)

// httpNavigator turns coordinator navigation into the handler's redirect.
// The last Redirect or Navigate call wins.
type httpNavigator struct {
	mu     sync.Mutex
	target string
}

func (n *httpNavigator) Redirect(_ context.Context, url string) error {
	n.mu.Lock()
	n.target = url
	n.mu.Unlock()
	return nil
}

func (n *httpNavigator) Navigate(_ context.Context, route string) error {
	n.mu.Lock()
	n.target = route
	n.mu.Unlock()
	return nil
}

func (n *httpNavigator) Target() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}
