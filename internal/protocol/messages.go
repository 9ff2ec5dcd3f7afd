// Package protocol defines the messages exchanged between clients and the
// session engine. Each message kind is its own struct carrying only the fields
// that kind needs; the wire envelope is {"type": ..., "payload": {...}}.
package protocol

// Type names a message kind on the wire.
type Type string

// Client to engine.
const (
	TypeSubscribeNote      Type = "SUBSCRIBE_NOTE"
	TypeUnsubscribeNote    Type = "UNSUBSCRIBE_NOTE"
	TypeRequestEditControl Type = "REQUEST_EDIT_CONTROL"
	TypeGrantEditControl   Type = "GRANT_EDIT_CONTROL"
	TypeDenyEditControl    Type = "DENY_EDIT_CONTROL"
	TypeReleaseEditControl Type = "RELEASE_EDIT_CONTROL"
	TypeContentUpdate      Type = "CONTENT_UPDATE"
	TypeTypingStatus       Type = "TYPING_STATUS"
	TypeHeartbeat          Type = "HEARTBEAT"
	TypeResync             Type = "RESYNC"
)

// Engine to client.
const (
	TypeNoteSync             Type = "NOTE_SYNC"
	TypeEditControlRequested Type = "EDIT_CONTROL_REQUESTED"
	TypeEditControlGranted   Type = "EDIT_CONTROL_GRANTED"
	TypeEditControlDenied    Type = "EDIT_CONTROL_DENIED"
	TypeEditControlChanged   Type = "EDIT_CONTROL_CHANGED"
	TypeEditControlReleased  Type = "EDIT_CONTROL_RELEASED"
	TypeContentUpdated       Type = "CONTENT_UPDATED"
	TypeUserTyping           Type = "USER_TYPING"
	TypeError                Type = "ERROR"
)

// Inbound is a message sent by a client.
type Inbound interface {
	Type() Type
	// NoteRef is the raw note identifier the message targets.
	NoteRef() string
	// Claimant is the userId the client put in the message, if any. The engine
	// rejects messages whose claimant differs from the authenticated user.
	Claimant() string
}

// Target carries the addressing fields shared by every inbound message.
type Target struct {
	UserID string `json:"userId,omitempty"`
	NoteID string `json:"noteId"`
}

// NoteRef implements Inbound.
func (t Target) NoteRef() string { return t.NoteID }

// Claimant implements Inbound.
func (t Target) Claimant() string { return t.UserID }

// SubscribeNote joins a note and asks for every operation after SinceSequence.
type SubscribeNote struct {
	Target
	SinceSequence int64 `json:"sinceSequence"`
}

// UnsubscribeNote leaves a note.
type UnsubscribeNote struct {
	Target
}

// RequestEditControl asks for the note's edit lock.
type RequestEditControl struct {
	Target
}

// GrantEditControl hands the lock to a pending requester.
type GrantEditControl struct {
	Target
	GrantToUserID string `json:"grantToUserId"`
}

// DenyEditControl refuses a pending request.
type DenyEditControl struct {
	Target
	RequesterID string `json:"requesterId"`
	Reason      string `json:"reason,omitempty"`
}

// ReleaseEditControl gives the lock up.
type ReleaseEditControl struct {
	Target
}

// ContentUpdate submits an edit. Without Kind it replaces the full content.
type ContentUpdate struct {
	Target
	Content        string `json:"content"`
	CursorPosition int    `json:"cursorPosition"`
	Kind           string `json:"kind,omitempty"`
	Position       int    `json:"position,omitempty"`
	Length         int    `json:"length,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ClientSeq      int64  `json:"clientSeq,omitempty"`
	BaseRevision   *int64 `json:"baseRevision,omitempty"`
}

// TypingStatus toggles the typing indicator.
type TypingStatus struct {
	Target
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// Heartbeat keeps a held lock from idling out.
type Heartbeat struct {
	Target
}

// Resync asks for the operations after SinceSequence again.
type Resync struct {
	Target
	SinceSequence int64 `json:"sinceSequence"`
}

func (SubscribeNote) Type() Type      { return TypeSubscribeNote }
func (UnsubscribeNote) Type() Type    { return TypeUnsubscribeNote }
func (RequestEditControl) Type() Type { return TypeRequestEditControl }
func (GrantEditControl) Type() Type   { return TypeGrantEditControl }
func (DenyEditControl) Type() Type    { return TypeDenyEditControl }
func (ReleaseEditControl) Type() Type { return TypeReleaseEditControl }
func (ContentUpdate) Type() Type      { return TypeContentUpdate }
func (TypingStatus) Type() Type       { return TypeTypingStatus }
func (Heartbeat) Type() Type          { return TypeHeartbeat }
func (Resync) Type() Type             { return TypeResync }

// Event is a message emitted by the engine.
type Event interface {
	Type() Type
}

// OperationView is the wire form of a sequenced operation.
type OperationView struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	AuthorID       string `json:"authorId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ClientSeq      int64  `json:"clientSeq,omitempty"`
	Position       int    `json:"position"`
	Length         int    `json:"length"`
	Content        string `json:"content"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Revision       int64  `json:"revision"`
	CreatedAtMs    int64  `json:"createdAtMs"`
	Snapshot       bool   `json:"snapshot,omitempty"`
}

// NoteSync answers SUBSCRIBE_NOTE and RESYNC. Applying Operations in order to
// the client's content at the requested sequence yields Revision.
type NoteSync struct {
	NoteID     string          `json:"noteId"`
	Revision   int64           `json:"revision"`
	Sequence   int64           `json:"sequence"`
	Operations []OperationView `json:"operations"`
	EditorID   string          `json:"editorId,omitempty"`
	EditorName string          `json:"editorName,omitempty"`
	Pending    []string        `json:"pendingRequesterIds,omitempty"`
}

// EditControlRequested tells the holder someone wants the lock.
type EditControlRequested struct {
	NoteID          string `json:"noteId"`
	RequesterID     string `json:"requesterId"`
	RequesterName   string `json:"requesterName,omitempty"`
	CurrentEditorID string `json:"currentEditorId,omitempty"`
}

// EditControlGranted tells the new holder it has the lock.
type EditControlGranted struct {
	UserID    string `json:"userId"`
	NoteID    string `json:"noteId"`
	SessionID string `json:"sessionId"`
}

// EditControlDenied tells a requester its request was refused.
type EditControlDenied struct {
	UserID string `json:"userId"`
	NoteID string `json:"noteId"`
	Reason string `json:"reason,omitempty"`
}

// EditControlChanged tells everyone else the holder changed.
type EditControlChanged struct {
	NoteID           string `json:"noteId"`
	NewEditorID      string `json:"newEditorId"`
	NewEditorName    string `json:"newEditorName,omitempty"`
	PreviousEditorID string `json:"previousEditorId,omitempty"`
}

// EditControlReleased tells everyone the lock was freed.
type EditControlReleased struct {
	PreviousEditorID string `json:"previousEditorId"`
	NoteID           string `json:"noteId"`
}

// ContentUpdated broadcasts an accepted edit with the resulting content.
type ContentUpdated struct {
	NoteID         string        `json:"noteId"`
	Content        string        `json:"content"`
	NewEditorID    string        `json:"newEditorId"`
	CursorPosition int           `json:"cursorPosition"`
	Timestamp      int64         `json:"timestamp"`
	SequenceNumber int64         `json:"sequenceNumber"`
	Revision       int64         `json:"revision"`
	Operation      OperationView `json:"operation"`
}

// UserTyping broadcasts a typing indicator. It is never sequenced or replayed.
type UserTyping struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	NoteID   string `json:"noteId"`
	IsTyping bool   `json:"isTyping"`
}

// Error reports a rejected message to the connection that sent it.
type Error struct {
	NoteID      string `json:"noteId,omitempty"`
	RequestType Type   `json:"requestType,omitempty"`
	Kind        string `json:"kind"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

func (NoteSync) Type() Type             { return TypeNoteSync }
func (EditControlRequested) Type() Type { return TypeEditControlRequested }
func (EditControlGranted) Type() Type   { return TypeEditControlGranted }
func (EditControlDenied) Type() Type    { return TypeEditControlDenied }
func (EditControlChanged) Type() Type   { return TypeEditControlChanged }
func (EditControlReleased) Type() Type  { return TypeEditControlReleased }
func (ContentUpdated) Type() Type       { return TypeContentUpdated }
func (UserTyping) Type() Type           { return TypeUserTyping }
func (Error) Type() Type                { return TypeError }
