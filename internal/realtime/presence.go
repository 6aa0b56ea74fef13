package realtime

import "github.com/tbourn/memora-client/internal/domain"

// Identity reports who is signed in. session.Store implements it.
type Identity interface {
	CurrentUserID() string
}

// Presence binds the shared Hub to the session identity. It is what a
// conversation synchronizer is handed: room membership plus "who am I".
type Presence struct {
	hub *Hub
	id  Identity
}

// NewPresence returns a Presence over hub and id.
func NewPresence(hub *Hub, id Identity) *Presence {
	return &Presence{hub: hub, id: id}
}

// Subscribe joins room and routes its events to handler.
func (p *Presence) Subscribe(room string, handler func(domain.PushEvent)) error {
	return p.hub.Join(room, handler)
}

// Unsubscribe leaves room.
func (p *Presence) Unsubscribe(room string) error {
	return p.hub.Leave(room)
}

// CurrentUserID returns the signed-in user's id.
func (p *Presence) CurrentUserID() string {
	return p.id.CurrentUserID()
}
