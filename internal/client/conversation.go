package client

import (
	"slices"
	"sync"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
)

// Conversation is the chat panel: who I am talking to and what was said.
type Conversation struct {
	mu       sync.Mutex
	me       string
	partner  string
	messages []types.ChatMessage
}

func (c *Conversation) SetIdentity(me string) {
	c.mu.Lock()
	c.me = me
	c.mu.Unlock()
}

// Select switches partner and replaces the list with history.
func (c *Conversation) Select(partner string, history []types.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partner = partner
	c.messages = slices.Clone(history)
}

// Accept keeps msg only when it belongs to the open conversation.
func (c *Conversation) Accept(msg types.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.me == "" || c.partner == "" {
		return false
	}
	mine := msg.Sender == c.me && msg.Receiver == c.partner
	theirs := msg.Sender == c.partner && msg.Receiver == c.me
	if !mine && !theirs {
		return false
	}
	c.messages = append(c.messages, msg)
	return true
}

func (c *Conversation) Partner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

func (c *Conversation) Messages() []types.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Roster is the online list, replaced on every updateUsers.
type Roster struct {
	mu    sync.Mutex
	users []string
}

func (r *Roster) Replace(users []string) {
	r.mu.Lock()
	r.users = slices.Clone(users)
	r.mu.Unlock()
}

func (r *Roster) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.users)
}

func (r *Roster) Online(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.users, identity)
}
