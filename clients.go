// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import "sync"

// Clients is a concurrency-safe registry of connected clients, keyed on
// client id, grounded on the teacher's internal/clients registry.
type Clients struct {
	sync.RWMutex
	internal map[string]*Client
}

// NewClients returns a new instance of Clients.
func NewClients() *Clients {
	return &Clients{internal: map[string]*Client{}}
}

// Add adds a new client to the clients map, keyed on client id.
func (cl *Clients) Add(val *Client) {
	cl.Lock()
	cl.internal[val.ID] = val
	cl.Unlock()
}

// Get returns the value of a client if it exists.
func (cl *Clients) Get(id string) (*Client, bool) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	return val, ok
}

// Len returns the number of clients known to the registry.
func (cl *Clients) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	return len(cl.internal)
}

// Delete removes a client from the internal map.
func (cl *Clients) Delete(id string) {
	cl.Lock()
	delete(cl.internal, id)
	cl.Unlock()
}

// GetAll returns a snapshot slice of every known client.
func (cl *Clients) GetAll() []*Client {
	cl.RLock()
	defer cl.RUnlock()
	v := make([]*Client, 0, len(cl.internal))
	for _, c := range cl.internal {
		v = append(v, c)
	}
	return v
}

// GetByListener returns clients currently attached to a given listener id.
func (cl *Clients) GetByListener(id string) []*Client {
	cl.RLock()
	defer cl.RUnlock()
	v := make([]*Client, 0, len(cl.internal))
	for _, c := range cl.internal {
		if c.Net.Listener == id {
			v = append(v, c)
		}
	}
	return v
}
