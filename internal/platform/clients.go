package platform

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Client is one attached page.
type Client struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Controller string `json:"controller"` // cache version currently serving this page, empty if none
}

// Clients tracks attached pages and which version controls them.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
	opened  []string
}

func NewClients() *Clients {
	return &Clients{clients: make(map[string]*Client)}
}

// Attach registers a page. Pages attach uncontrolled until a Claim.
func (c *Clients) Attach(id, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[id]; ok {
		existing.URL = url
		return
	}
	c.clients[id] = &Client{ID: id, URL: url}
}

func (c *Clients) Detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// Claim makes version the controller of every attached page.
func (c *Clients) Claim(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		cl.Controller = version
	}
	log.Info("claimed clients", "version", version, "count", len(c.clients))
	return nil
}

// List returns a copy of the attached pages ordered by id.
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenWindow records a request to open url in a new page.
func (c *Clients) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.opened = append(c.opened, url)
	c.mu.Unlock()
	log.Info("open window", "url", url)
	return nil
}

// Opened returns every url passed to OpenWindow.
func (c *Clients) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}

// Connectivity is the hosting app's online flag.
type Connectivity struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)
}

func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{}
	c.online.Store(online)
	return c
}

func (c *Connectivity) Online() bool {
	return c.online.Load()
}

// SetOnline updates the flag and notifies listeners when it changes.
func (c *Connectivity) SetOnline(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	c.mu.Lock()
	ls := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	log.Info("connectivity changed", "online", online)
	for _, fn := range ls {
		fn(online)
	}
}

// OnChange registers fn to run on every transition.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
