package ws

import (
	"sync"

	"github.com/nfornj/USVisaChat-sub000/internal/metrics"
)

// Member is one entry of the process-local online roster.
type Member struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type entry struct {
	client      *Client
	displayName string
}

// Hub is the in-process room registry: which connections are live in which
// room, for fan-out only. Entries are keyed by identity email, so a reconnect
// under the same (room, email) replaces the prior entry; the replaced
// client's transport is explicitly closed rather than orphaned. Rooms exist
// exactly while occupied; durable history and presence live elsewhere.
//
// All mutation happens under one lock. Broadcast is sequential by design; a
// recipient whose send buffer is full is dropped and removed lazily, on the
// write attempt that discovers it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*entry
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*entry)}
}

// Register inserts or overwrites the entry for (room, email). The previous
// client, if any, is returned after its send channel has been closed;
// last-write-wins for fan-out.
func (h *Hub) Register(roomID, email, displayName string, c *Client) *Client {
	h.mu.Lock()
	bucket := h.rooms[roomID]
	if bucket == nil {
		bucket = make(map[string]*entry)
		h.rooms[roomID] = bucket
	}
	var old *Client
	if prev, ok := bucket[email]; ok {
		old = prev.client
	}
	bucket[email] = &entry{client: c, displayName: displayName}
	h.mu.Unlock()

	if old != nil {
		old.closeSend()
	} else {
		metrics.WsConnections.Inc()
	}
	return old
}

// Deregister removes the entry for (room, email) if it still belongs to c,
// deleting the room bucket when it empties. Returns the display name held in
// the registry and whether an entry was removed.
func (h *Hub) Deregister(roomID, email string, c *Client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := h.rooms[roomID]
	if bucket == nil {
		return "", false
	}
	e, ok := bucket[email]
	if !ok || e.client != c {
		// A reconnect already replaced this entry; nothing to remove.
		return "", false
	}
	delete(bucket, email)
	if len(bucket) == 0 {
		delete(h.rooms, roomID)
	}
	metrics.WsConnections.Dec()
	return e.displayName, true
}

// Rename updates the display name stored for (room, email). The rename is
// session-local: past messages keep the name they were written with.
func (h *Hub) Rename(roomID, email, displayName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket := h.rooms[roomID]; bucket != nil {
		if e, ok := bucket[email]; ok {
			e.displayName = displayName
		}
	}
}

// Broadcast delivers the payload to every current entry of the room except
// the excluded email. A recipient that cannot accept the payload is removed
// from the registry and its send channel closed.
func (h *Hub) Broadcast(roomID string, payload []byte, exclude string) {
	h.mu.RLock()
	bucket := h.rooms[roomID]
	var dead []*Client
	var deadEmails []string
	for email, e := range bucket {
		if email == exclude {
			continue
		}
		select {
		case e.client.send <- payload:
		default:
			dead = append(dead, e.client)
			deadEmails = append(deadEmails, email)
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for i, email := range deadEmails {
		if bucket := h.rooms[roomID]; bucket != nil {
			if e, ok := bucket[email]; ok && e.client == dead[i] {
				delete(bucket, email)
				if len(bucket) == 0 {
					delete(h.rooms, roomID)
				}
				metrics.WsConnections.Dec()
			}
		}
	}
	h.mu.Unlock()
	for _, c := range dead {
		c.closeSend()
		metrics.WsBroadcastDropsTotal.Inc()
	}
}

// Snapshot returns a point-in-time copy of the room's roster. This answers
// "who is online" for this process only; the cross-process truth is the
// presence tracker.
func (h *Hub) Snapshot(roomID string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bucket := h.rooms[roomID]
	out := make([]Member, 0, len(bucket))
	for email, e := range bucket {
		out = append(out, Member{Email: email, DisplayName: e.displayName})
	}
	return out
}

// Online returns the number of live connections in the room on this process.
func (h *Hub) Online(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
