// Package topic names the per-note broadcast channels and provides the
// Redis pub/sub broker that fans messages out to their subscribers.
package topic

// Channel layout mirrors the client-facing destinations: one primary
// channel per note plus sub-channels for transient state, and a private
// error channel per user. Messages are delivered only to current
// subscribers; nothing is persisted or replayed.

func NotePrimary(noteID string) string {
	return "notes/" + noteID
}

func NotePartial(noteID string) string {
	return "notes/" + noteID + "/partial"
}

func NoteCursors(noteID string) string {
	return "notes/" + noteID + "/cursors"
}

func NotePresence(noteID string) string {
	return "notes/" + noteID + "/presence"
}

func NoteTyping(noteID string) string {
	return "notes/" + noteID + "/typing"
}

func NoteComments(noteID string) string {
	return "notes/" + noteID + "/comments"
}

func NoteState(noteID string) string {
	return "notes/" + noteID + "/state"
}

func NoteEvents(noteID string) string {
	return "notes/" + noteID + "/events"
}

func UserErrors(userID string) string {
	return "users/" + userID + "/errors"
}

// NoteChannels returns every sub-channel for a note, for transport-layer
// subscriptions.
func NoteChannels(noteID string) []string {
	return []string{
		NotePrimary(noteID),
		NotePartial(noteID),
		NoteCursors(noteID),
		NotePresence(noteID),
		NoteTyping(noteID),
		NoteComments(noteID),
		NoteState(noteID),
		NoteEvents(noteID),
	}
}
