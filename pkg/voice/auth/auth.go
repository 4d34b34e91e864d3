// Package auth supplies the signed-in user for a voice session.
package auth

// Provider reports the current user. ok is false for anonymous sessions,
// whose turns are kept locally and never persisted.
type Provider interface {
	CurrentUserID() (userID string, ok bool)
}

// Static always reports the same user. An empty Static is anonymous.
type Static string

func (s Static) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// Func adapts a function to Provider.
type Func func() (string, bool)

func (f Func) CurrentUserID() (string, bool) {
	if f == nil {
		return "", false
	}
	return f()
}

// Anonymous is a Provider with no user.
var Anonymous Provider = Static("")

// UserID returns p's user, treating a nil provider as anonymous.
func UserID(p Provider) (string, bool) {
	if p == nil {
		return "", false
	}
	id, ok := p.CurrentUserID()
	if id == "" {
		return "", false
	}
	return id, ok
}
