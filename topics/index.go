// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package topics implements the segment trie that maps topic filters to
// subscribing clients, including shared subscription groups. There is no
// retained-message store: retained messages are an explicit non-goal.
package topics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimbus-mqtt/broker/packets"
)

var (
	SharePrefix = "$SHARE"
	SysPrefix   = "$SYS"
)

// SharedSubscriptions holds subscriptions to a shared filter, keyed on
// share group then client id, plus a round-robin cursor per group so
// concurrent scans hand successive matches to different group members.
type SharedSubscriptions struct {
	internal map[string]map[string]packets.Subscription
	cursors  map[string]*uint64
	sync.RWMutex
}

func NewSharedSubscriptions() *SharedSubscriptions {
	return &SharedSubscriptions{
		internal: map[string]map[string]packets.Subscription{},
		cursors:  map[string]*uint64{},
	}
}

func (s *SharedSubscriptions) Add(group, id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.internal[group]; !ok {
		s.internal[group] = map[string]packets.Subscription{}
		s.cursors[group] = new(uint64)
	}
	s.internal[group][id] = val
}

func (s *SharedSubscriptions) Delete(group, id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal[group], id)
	if len(s.internal[group]) == 0 {
		delete(s.internal, group)
		delete(s.cursors, group)
	}
}

func (s *SharedSubscriptions) Get(group, id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	if _, ok := s.internal[group]; !ok {
		return val, ok
	}
	val, ok = s.internal[group][id]
	return val, ok
}

func (s *SharedSubscriptions) GroupLen() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

func (s *SharedSubscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	n := 0
	for _, group := range s.internal {
		n += len(group)
	}
	return n
}

func (s *SharedSubscriptions) GetAll() map[string]map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]map[string]packets.Subscription{}
	for group, subs := range s.internal {
		m[group] = map[string]packets.Subscription{}
		for id, sub := range subs {
			m[group][id] = sub
		}
	}
	return m
}

// Next returns the client id chosen by the round-robin cursor for a share
// group, and advances the cursor for the next call. Returns false if the
// group has no members.
func (s *SharedSubscriptions) Next(group string) (client string, sub packets.Subscription, ok bool) {
	s.RLock()
	members := s.internal[group]
	cursor := s.cursors[group]
	s.RUnlock()

	if len(members) == 0 || cursor == nil {
		return "", sub, false
	}

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	i := atomic.AddUint64(cursor, 1) - 1
	client = ids[i%uint64(len(ids))]

	s.RLock()
	sub, ok = members[client]
	s.RUnlock()
	return client, sub, ok
}

// Subscriptions is a concurrency-safe map of subscriptions keyed on client
// id (when hung off a particle) or on filter (when used as client state).
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{internal: map[string]packets.Subscription{}}
}

func (s *Subscriptions) Add(id string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[id] = val
}

func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]packets.Subscription{}
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

func (s *Subscriptions) Get(id string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[id]
	return val, ok
}

func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

func (s *Subscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// ClientSubscriptions is the set of filters a single client has active,
// keyed on filter, used by Session to remember what to clean up on close.
type ClientSubscriptions map[string]packets.Subscription

// Subscribers is the result of a topic match: direct subscribers plus one
// selected member per matching shared-subscription group.
type Subscribers struct {
	Shared         map[string]map[string]packets.Subscription
	SharedSelected map[string]packets.Subscription
	Subscriptions  map[string]packets.Subscription
}

// SelectShared picks one member from each matched shared filter (the first
// in map iteration order, not the SharedSubscriptions round-robin cursor)
// and folds the pick into SharedSelected.
func (s *Subscribers) SelectShared() {
	s.SharedSelected = map[string]packets.Subscription{}
	for _, subs := range s.Shared {
		for client, sub := range subs {
			cls, ok := s.SharedSelected[client]
			if !ok {
				cls = sub
			}
			s.SharedSelected[client] = cls.Merge(sub)
			break
		}
	}
}

// MergeSharedSelected folds SharedSelected into Subscriptions so a client
// matching both a plain and a shared filter is only sent one copy.
func (s *Subscribers) MergeSharedSelected() {
	for client, sub := range s.SharedSelected {
		cls, ok := s.Subscriptions[client]
		if !ok {
			cls = sub
		}
		s.Subscriptions[client] = cls.Merge(sub)
	}
}

// Index is a segment trie mapping topic filters to subscribers.
type Index struct {
	root *particle
}

func NewIndex() *Index {
	return &Index{
		root: &particle{
			particles:     newParticles(),
			subscriptions: NewSubscriptions(),
			shared:        NewSharedSubscriptions(),
		},
	}
}

// Subscribe adds a subscription for a client to a filter, returning true if
// the subscription is new (as opposed to updating an existing one's options).
func (x *Index) Subscribe(client string, subscription packets.Subscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	var existed bool
	prefix, _ := isolateParticle(subscription.Filter, 0)
	if strings.EqualFold(prefix, SharePrefix) {
		group, _ := isolateParticle(subscription.Filter, 1)
		n := x.set(subscription.Filter, 2)
		_, existed = n.shared.Get(group, client)
		n.shared.Add(group, client, subscription)
	} else {
		n := x.set(subscription.Filter, 0)
		_, existed = n.subscriptions.Get(client)
		n.subscriptions.Add(client, subscription)
	}

	return !existed
}

// Unsubscribe removes a client's subscription to a filter, returning true if
// a subscription existed.
func (x *Index) Unsubscribe(filter, client string) bool {
	x.root.Lock()
	defer x.root.Unlock()

	var d int
	if strings.HasPrefix(filter, SharePrefix) {
		d = 2
	}

	p := x.seek(filter, d)
	if p == nil {
		return false
	}

	prefix, _ := isolateParticle(filter, 0)
	if strings.EqualFold(prefix, SharePrefix) {
		group, _ := isolateParticle(filter, 1)
		p.shared.Delete(group, client)
	} else {
		p.subscriptions.Delete(client)
	}

	x.trim(p)
	return true
}

func (x *Index) set(topic string, d int) *particle {
	var key string
	hasNext := true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(topic, d)
		d++
		p := n.particles.get(key)
		if p == nil {
			p = newParticle(key, n)
			n.particles.add(p)
		}
		n = p
	}
	return n
}

func (x *Index) seek(filter string, d int) *particle {
	var key string
	hasNext := true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(filter, d)
		n = n.particles.get(key)
		d++
		if n == nil {
			return nil
		}
	}
	return n
}

func (x *Index) trim(n *particle) {
	for n.parent != nil && n.particles.len()+n.subscriptions.Len()+n.shared.Len() == 0 {
		key := n.key
		n = n.parent
		n.particles.delete(key)
	}
}

// Subscribers returns everyone whose filter matches topic: direct
// subscribers and, for each shared group with a matching filter, all of
// that group's members (the caller resolves shared delivery to one member
// via SharedGroups(filter).Next after calling this).
func (x *Index) Subscribers(topic string) *Subscribers {
	return x.scan(topic, 0, nil, &Subscribers{
		Shared:        map[string]map[string]packets.Subscription{},
		Subscriptions: map[string]packets.Subscription{},
	})
}

func (x *Index) scan(topic string, d int, n *particle, subs *Subscribers) *Subscribers {
	if n == nil {
		n = x.root
	}
	if len(topic) == 0 {
		return subs
	}

	key, hasNext := isolateParticle(topic, d)
	for _, partKey := range []string{key, "+", "#"} {
		if p := n.particles.get(partKey); p != nil {
			if partKey == "#" || !hasNext {
				x.gatherSubscriptions(topic, p, subs)
				x.gatherShared(p, subs)
			}
			if wild := p.particles.get("#"); wild != nil && partKey != "#" && partKey != "+" {
				x.gatherSubscriptions(topic, wild, subs)
			}
			if hasNext {
				x.scan(topic, d+1, p, subs)
			}
		}
	}
	return subs
}

func (x *Index) gatherSubscriptions(topic string, p *particle, subs *Subscribers) {
	for client, sub := range p.subscriptions.GetAll() {
		if len(sub.Filter) > 0 && topic[0] == '$' && (sub.Filter[0] == '+' || sub.Filter[0] == '#') {
			continue // [MQTT-4.7.1-1] [MQTT-4.7.1-2] don't match $ topics with top level wildcards
		}
		cls, ok := subs.Subscriptions[client]
		if !ok {
			cls = sub
		}
		subs.Subscriptions[client] = cls.Merge(sub)
	}
}

func (x *Index) gatherShared(p *particle, subs *Subscribers) {
	for _, shares := range p.shared.GetAll() {
		for client, sub := range shares {
			if _, ok := subs.Shared[sub.Filter]; !ok {
				subs.Shared[sub.Filter] = map[string]packets.Subscription{}
			}
			subs.Shared[sub.Filter][client] = sub
		}
	}
}

// SharedGroups exposes, for a matched filter, the underlying
// SharedSubscriptions structure that owns its round-robin cursor.
func (x *Index) SharedGroups(filter string) *SharedSubscriptions {
	x.root.Lock()
	defer x.root.Unlock()
	p := x.seek(filter, 2)
	if p == nil {
		return nil
	}
	return p.shared
}

// isolateParticle extracts the particle between segment d and d+1 of filter.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')
		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}
	return
}

// IsSharedFilter returns true if the filter uses the $share prefix.
func IsSharedFilter(filter string) bool {
	prefix, _ := isolateParticle(filter, 0)
	return strings.EqualFold(prefix, SharePrefix)
}

// ShareGroupName extracts the group name from a $share/<group>/<filter>
// filter, so a caller holding a *SharedSubscriptions from SharedGroups can
// pick the right group's round-robin cursor.
func ShareGroupName(filter string) string {
	group, _ := isolateParticle(filter, 1)
	return group
}

// IsValidFilter returns true if filter is well-formed. forPublish relaxes
// the empty-filter check (a topic alias can stand in for the name) and
// additionally forbids wildcards and the $SYS prefix, since those are only
// meaningful in a subscription filter, never a publish topic name.
func IsValidFilter(filter string, forPublish bool) bool {
	if !forPublish && len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	if forPublish {
		if len(filter) >= len(SysPrefix) && strings.EqualFold(filter[0:len(SysPrefix)], SysPrefix) {
			return false
		}
		if strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#') {
			return false // [MQTT-3.3.2-2]
		}
	}

	wildhash := strings.IndexRune(filter, '#')
	if wildhash >= 0 && wildhash != len(filter)-1 {
		return false // [MQTT-4.7.1-2]
	}

	prefix, hasNext := isolateParticle(filter, 0)
	if !hasNext && strings.EqualFold(prefix, SharePrefix) {
		return false // [MQTT-4.8.2-1]
	}
	if hasNext && strings.EqualFold(prefix, SharePrefix) {
		group, hasNext := isolateParticle(filter, 1)
		if !hasNext {
			return false // [MQTT-4.8.2-1]
		}
		if strings.ContainsRune(group, '+') || strings.ContainsRune(group, '#') {
			return false // [MQTT-4.8.2-2]
		}
	}

	return true
}

// Matches reports whether topic matches filter, honoring the + and #
// wildcards and refusing to match a $ topic against a filter with a
// top-level wildcard, exactly the rule gatherSubscriptions enforces for the
// live subscription trie. Callers outside the trie (the auth ledger's ACL
// checks, for instance) use this instead of hand-rolling their own
// wildcard comparison against the same filter syntax.
func Matches(filter, topic string) bool {
	if len(topic) > 0 && topic[0] == '$' && len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
		return false // [MQTT-4.7.1-1] [MQTT-4.7.1-2]
	}

	for d := 0; ; d++ {
		fp, fHasNext := isolateParticle(filter, d)
		if fp == "#" {
			return true
		}

		tp, tHasNext := isolateParticle(topic, d)
		if fp != "+" && fp != tp {
			return false
		}

		switch {
		case fHasNext && tHasNext:
			continue
		case !fHasNext && !tHasNext:
			return true
		default:
			return false
		}
	}
}

// particle is a single node of the segment trie.
type particle struct {
	key           string
	parent        *particle
	particles     particles
	subscriptions *Subscriptions
	shared        *SharedSubscriptions
	sync.Mutex
}

func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:           key,
		parent:        parent,
		particles:     newParticles(),
		subscriptions: NewSubscriptions(),
		shared:        NewSharedSubscriptions(),
	}
}

// particles is a concurrency-safe map of child particles.
type particles struct {
	internal map[string]*particle
	sync.RWMutex
}

func newParticles() particles {
	return particles{internal: map[string]*particle{}}
}

func (p *particles) add(val *particle) {
	p.Lock()
	p.internal[val.key] = val
	p.Unlock()
}

func (p *particles) get(id string) *particle {
	p.RLock()
	defer p.RUnlock()
	return p.internal[id]
}

func (p *particles) len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

func (p *particles) delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
