package sessionmock

import (
	"net/url"
	"sync"

	"github.com/openkcm/portfolio-site/pkg/session"
)

// Location is an address that records navigations instead of performing them.
type Location struct {
	mu sync.Mutex

	current     *url.URL
	replaced    []string
	assigned    []string
	stateWrites int
}

var _ session.Location = (*Location)(nil)

// NewLocation panics if rawURL does not parse.
func NewLocation(rawURL string) *Location {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}

	return &Location{current: u}
}

func (l *Location) URL() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := *l.current
	return &u
}

func (l *Location) ReplaceState(u *url.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clean := *u
	l.current = &clean
	l.stateWrites++
}

func (l *Location) Replace(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.replaced = append(l.replaced, target)
}

func (l *Location) Assign(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.assigned = append(l.assigned, target)
}

// Replaced returns the targets of Replace in call order.
func (l *Location) Replaced() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.replaced...)
}

// Assigned returns the targets of Assign in call order.
func (l *Location) Assigned() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.assigned...)
}

// StateWrites counts the ReplaceState calls.
func (l *Location) StateWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stateWrites
}
