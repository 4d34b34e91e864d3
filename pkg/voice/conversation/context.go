// Package conversation resolves and holds the conversation id a voice
// session saves its turns under.
package conversation

import "sync"

// Context is the per-session conversation state. The conversation id and user
// id are written once, by Gate. The message count is written by the save
// queue. Everything else only reads.
type Context struct {
	mu             sync.RWMutex
	userID         string
	conversationID string
	initialized    bool
	messageCount   int
}

func NewContext() *Context {
	return &Context{}
}

// ConversationID returns the id and whether it has been resolved.
func (c *Context) ConversationID() (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID, c.initialized
}

func (c *Context) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Context) MessageCount() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageCount
}

// AddMessage records one durably saved message.
func (c *Context) AddMessage() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messageCount++
	c.mu.Unlock()
}

// set stores the resolved id. It reports false if an id was already set.
func (c *Context) set(userID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return false
	}
	c.userID = userID
	c.conversationID = conversationID
	c.initialized = true
	return true
}
