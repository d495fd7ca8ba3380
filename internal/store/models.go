package store

import "time"

// User is one users row.
type User struct {
	Username   string
	Password   string
	AvatarID   string
	AvatarPath string
	Nickname   string
	Sign       string
}

// Friend is one edge of the caller's friend list, joined with the friend's
// profile columns.
type Friend struct {
	Username string
	Remarks  string
	Nickname string
	Sign     string
	AvatarID string
}

// Message is one messages row. Zero values stand in for SQL NULLs on the
// optional columns; ReplyTo == 0 means no reply reference.
type Message struct {
	ID               int64
	Sender           string
	Receiver         string
	Text             string
	WriteTime        time.Time
	AttachmentType   string
	AttachmentPath   string
	OriginalFileName string
	ThumbnailPath    string
	FileSize         int64
	Duration         float64
	ReplyTo          int64
	ReplyPreview     string
	FileID           string
}

// Head is one conversations row. MessageID is nil when no message survives
// for the pair.
type Head struct {
	Username   string
	Friend     string
	MessageID  *int64
	UpdateTime time.Time
}

// HeadUpdate describes the recomputed head of one canonical pair after a
// delete. Latest is nil when the pair has no surviving messages; DeletedIDs
// holds the ids removed from this pair.
type HeadUpdate struct {
	Username   string
	Friend     string
	Latest     *Message
	DeletedIDs []int64
}
