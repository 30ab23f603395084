package session

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// channelShift offsets channel ids into the marked id space (-100... prefix).
const channelShift = 1_000_000_000_000

func markChat(id int64) int64    { return -id }
func markChannel(id int64) int64 { return -(channelShift + id) }

// unmark splits a marked id into its peer kind and plain id.
func unmark(marked int64) (kind peerKind, id int64) {
	switch {
	case marked > 0:
		return peerUser, marked
	case marked < -channelShift:
		return peerChannel, -marked - channelShift
	default:
		return peerChat, -marked
	}
}

type peerKind int

const (
	peerUser peerKind = iota
	peerChat
	peerChannel
)

func markedFromPeer(p tg.PeerClass) int64 {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return markChat(p.ChatID)
	case *tg.PeerChannel:
		return markChannel(p.ChannelID)
	}
	return 0
}

type peerInfo struct {
	input   tg.InputPeerClass
	title   string
	isGroup bool
	members int // 0 when unknown
}

// peerCache remembers access hashes and titles learned from dialogs and
// updates, keyed by marked id.
type peerCache struct {
	self int64

	mu    sync.RWMutex
	peers map[int64]peerInfo
}

func newPeerCache(self int64) *peerCache {
	return &peerCache{self: self, peers: map[int64]peerInfo{}}
}

// learnChat records a chat or channel entity and reports its marked id.
// Left and deactivated chats are skipped.
func (c *peerCache) learnChat(ch tg.ChatClass) (int64, bool) {
	var (
		id    int64
		info  peerInfo
		isMin bool
	)
	switch ch := ch.(type) {
	case *tg.Chat:
		if ch.Deactivated || ch.Left {
			return 0, false
		}
		id = markChat(ch.ID)
		info = peerInfo{
			input:   &tg.InputPeerChat{ChatID: ch.ID},
			title:   ch.Title,
			isGroup: true,
			members: ch.ParticipantsCount,
		}
	case *tg.Channel:
		if ch.Left {
			return 0, false
		}
		id = markChannel(ch.ID)
		isMin = ch.Min
		info = peerInfo{
			input:   &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
			title:   ch.Title,
			isGroup: ch.Megagroup,
		}
		if n, ok := ch.GetParticipantsCount(); ok {
			info.members = n
		}
	default:
		return 0, false
	}
	c.put(id, info, isMin)
	return id, true
}

// put stores info under id. A min entity carries an access hash that only
// works in the update it came with, so it never replaces a cached peer's hash.
func (c *peerCache) put(id int64, info peerInfo, isMin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.peers[id]; ok && isMin {
		info.input = old.input
		if info.members == 0 {
			info.members = old.members
		}
	}
	c.peers[id] = info
}

func (c *peerCache) learnUser(u *tg.User) {
	if u == nil {
		return
	}
	title := u.FirstName
	if u.LastName != "" {
		title += " " + u.LastName
	}
	c.put(u.ID, peerInfo{input: &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, title: title}, u.Min)
}

// learnEntities records every entity attached to an update.
func (c *peerCache) learnEntities(e tg.Entities) {
	for _, ch := range e.Chats {
		c.learnChat(ch)
	}
	for _, ch := range e.Channels {
		c.learnChat(ch)
	}
	for _, u := range e.Users {
		c.learnUser(u)
	}
}

func (c *peerCache) get(marked int64) (peerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[marked]
	return p, ok
}

// input resolves a marked id to an input peer. Basic groups and the account
// itself need no access hash.
func (c *peerCache) input(marked int64) (tg.InputPeerClass, error) {
	if marked == c.self {
		return &tg.InputPeerSelf{}, nil
	}
	if p, ok := c.get(marked); ok {
		return p.input, nil
	}
	if kind, id := unmark(marked); kind == peerChat {
		return &tg.InputPeerChat{ChatID: id}, nil
	}
	return nil, fmt.Errorf("peer %d not resolved", marked)
}

func (c *peerCache) isGroup(marked int64) bool {
	p, ok := c.get(marked)
	if ok {
		return p.isGroup
	}
	kind, _ := unmark(marked)
	return kind == peerChat
}
