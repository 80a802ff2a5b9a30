package httpapi

// Tone classifies a notification for presentation.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneWarning Tone = "warning"
	ToneError   Tone = "error"
)

// Notification is a user-facing event emitted for terminal request
// failures. The client never renders these itself; a presentation layer
// registers a Notifier and decides how to show them.
type Notification struct {
	Title       string
	Description string
	Tone        Tone
}

// Notifier receives notifications. A nil Notifier on the client is a
// silent no-op.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// SessionObserver is told when the backend reports the session expired
// (a 401 response). A nil observer is a silent no-op.
type SessionObserver interface {
	SessionExpired()
}

// SessionObserverFunc adapts a function to the SessionObserver interface.
type SessionObserverFunc func()

// SessionExpired implements SessionObserver.
func (f SessionObserverFunc) SessionExpired() {
	f()
}
