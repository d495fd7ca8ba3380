package protocol

import "time"

// TimeLayout is the wall-clock format used on the wire, server-local,
// second precision.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Request types.
const (
	TypeAuthenticate   = "authenticate"
	TypeSendMessage    = "send_message"
	TypeSendMedia      = "send_media"
	TypeDownloadMedia  = "download_media"
	TypeChatHistory    = "get_chat_history_paginated"
	TypeAddFriend      = "add_friend"
	TypeUpdateRemarks  = "Update_Remarks"
	TypeUploadAvatar   = "upload_avatar"
	TypeUpdateSign     = "update_sign"
	TypeUpdateName     = "update_name"
	TypeGetUserInfo    = "get_user_info"
	TypeDeleteMessages = "delete_messages"
	TypeUserRegister   = "user_register"
	TypeExit           = "exit"
)

// Response types that differ from the request type.
const (
	TypeMessagesDeleted = "messages_deleted"
)

// Push types (server-initiated, no request_id).
const (
	PushFriendListUpdate = "friend_list_update"
	PushFriendUpdate     = "friend_update"
	PushNewMessage       = "new_message"
	PushNewMedia         = "new_media"
	PushDeletedMessages  = "deleted_messages"
)

// Attachment types.
const (
	AttachmentFile  = "file"
	AttachmentImage = "image"
	AttachmentVideo = "video"
)

// Envelope is the routing head decoded from every request frame.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Head is embedded in every response.
type Head struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// NewHead builds a response head.
func NewHead(typ, requestID, status, message string) Head {
	return Head{Type: typ, RequestID: requestID, Status: status, Message: message}
}

// Requests.

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SendMessageRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	ReplyTo  int64  `json:"reply_to,omitempty"`
}

type SendMediaRequest struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	FileType  string `json:"file_type"`
	FileName  string `json:"file_name"`
	TotalSize int64  `json:"total_size"`
	FileData  string `json:"file_data"`
	Message   string `json:"message,omitempty"`
}

type DownloadMediaRequest struct {
	FileID       string `json:"file_id"`
	DownloadType string `json:"download_type"`
	Offset       int64  `json:"offset"`
}

type ChatHistoryRequest struct {
	Username string `json:"username"`
	Friend   string `json:"friend"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type AddFriendRequest struct {
	Username string `json:"username"`
	Friend   string `json:"friend"`
}

type UpdateRemarksRequest struct {
	Username string `json:"username"`
	Friend   string `json:"friend"`
	Remarks  string `json:"remarks"`
}

type UploadAvatarRequest struct {
	Username   string `json:"username"`
	AvatarData string `json:"avatar_data"`
}

type UpdateSignRequest struct {
	Username string `json:"username"`
	Sign     string `json:"sign"`
}

type UpdateNameRequest struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type GetUserInfoRequest struct {
	Username string `json:"username"`
}

type DeleteMessagesRequest struct {
	Username string  `json:"username"`
	RowIDs   []int64 `json:"rowids"`
}

// UserRegisterRequest covers all four registration subtypes; unused fields
// stay empty.
type UserRegisterRequest struct {
	Subtype      int    `json:"subtype"`
	SessionID    string `json:"session_id,omitempty"`
	CaptchaInput string `json:"captcha_input,omitempty"`
	Password     string `json:"password,omitempty"`
	AvatarData   string `json:"avatar_data,omitempty"`
	Nickname     string `json:"nickname,omitempty"`
	Sign         string `json:"sign,omitempty"`
}

// Shared records.

// FriendEntry is the per-friend projection carried in friend pushes.
type FriendEntry struct {
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Sign     string `json:"sign,omitempty"`
	AvatarID string `json:"avatar_id,omitempty"`
	Remarks  string `json:"remarks,omitempty"`
	Online   bool   `json:"online"`
}

// MessageRecord is the history projection of one stored message.
type MessageRecord struct {
	RowID            int64   `json:"rowid"`
	Sender           string  `json:"sender"`
	Receiver         string  `json:"receiver"`
	Message          string  `json:"message"`
	WriteTime        string  `json:"write_time"`
	AttachmentType   string  `json:"attachment_type,omitempty"`
	OriginalFileName string  `json:"original_file_name,omitempty"`
	FileSize         int64   `json:"file_size,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
	FileID           string  `json:"file_id,omitempty"`
	ReplyTo          int64   `json:"reply_to,omitempty"`
	ReplyPreview     string  `json:"reply_preview,omitempty"`
}

// ReplyPreview is the snapshot serialized into reply_preview at send time.
type ReplyPreview struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Responses.

type AuthenticateResponse struct {
	Head
	Nickname string `json:"nickname,omitempty"`
	Sign     string `json:"sign,omitempty"`
	AvatarID string `json:"avatar_id,omitempty"`
}

type SendMessageResponse struct {
	Head
	RowID        int64  `json:"rowid,omitempty"`
	WriteTime    string `json:"write_time,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`
}

type SendMediaResponse struct {
	Head
	RowID         int64   `json:"rowid,omitempty"`
	FileID        string  `json:"file_id,omitempty"`
	WriteTime     string  `json:"write_time,omitempty"`
	FileSize      int64   `json:"file_size,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
	ThumbnailData string  `json:"thumbnail_data,omitempty"`
}

type DownloadMediaResponse struct {
	Head
	FileSize   int64  `json:"file_size"`
	Offset     int64  `json:"offset"`
	IsComplete bool   `json:"is_complete"`
	FileData   string `json:"file_data"`
}

type ChatHistoryResponse struct {
	Head
	Messages []MessageRecord `json:"messages"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type DeleteMessagesResponse struct {
	Head
	DeletedRowIDs []int64 `json:"deleted_rowids,omitempty"`
	Conversations string  `json:"conversations"`
	WriteTime     string  `json:"write_time,omitempty"`
}

type GetUserInfoResponse struct {
	Head
	Username string `json:"username,omitempty"`
	AvatarID string `json:"avatar_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Sign     string `json:"sign,omitempty"`
}

type UserRegisterResponse struct {
	Head
	Username     string `json:"username,omitempty"`
	CaptchaImage string `json:"captcha_image,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// Pushes.

type FriendListPush struct {
	Type    string        `json:"type"`
	Friends []FriendEntry `json:"friends"`
}

type NewMessagePush struct {
	Type         string `json:"type"`
	RowID        int64  `json:"rowid"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Message      string `json:"message"`
	WriteTime    string `json:"write_time"`
	ReplyTo      int64  `json:"reply_to,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`
}

type NewMediaPush struct {
	Type             string  `json:"type"`
	RowID            int64   `json:"rowid"`
	Sender           string  `json:"sender"`
	Receiver         string  `json:"receiver"`
	FileType         string  `json:"file_type"`
	OriginalFileName string  `json:"original_file_name"`
	FileID           string  `json:"file_id"`
	WriteTime        string  `json:"write_time"`
	FileSize         int64   `json:"file_size"`
	Duration         float64 `json:"duration,omitempty"`
	ThumbnailData    string  `json:"thumbnail_data,omitempty"`
	Message          string  `json:"message,omitempty"`
}

type DeletedMessagesPush struct {
	Type          string  `json:"type"`
	Sender        string  `json:"sender"`
	DeletedRowIDs []int64 `json:"deleted_rowids"`
	Conversations string  `json:"conversations"`
	WriteTime     string  `json:"write_time,omitempty"`
}
