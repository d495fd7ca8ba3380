package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// requireFriendship checks that the receiver exists and is a friend of the
// sender.
func (s *Server) requireFriendship(ctx context.Context, sender, receiver string) error {
	exists, err := s.deps.Store.UsernameExists(ctx, receiver)
	if err != nil {
		return apperrors.Store(err)
	}
	if !exists {
		return apperrors.NotFound("用户不存在")
	}
	friends, err := s.deps.Store.AreFriends(ctx, sender, receiver)
	if err != nil {
		return apperrors.Store(err)
	}
	if !friends {
		return apperrors.Reject("对方不是你的好友")
	}
	return nil
}

// conversationContent renders the summary string shown for a conversation
// head: the attachment placeholder for media, the text otherwise, empty
// when no message survives.
func conversationContent(m *store.Message) string {
	if m == nil {
		return ""
	}
	switch m.AttachmentType {
	case protocol.AttachmentFile:
		return "[文件]"
	case protocol.AttachmentImage:
		return "[图片]"
	case protocol.AttachmentVideo:
		return "[视频]"
	}
	return m.Text
}

// replyPreviewJSON snapshots the referenced message at send time. A missing
// reference yields an anonymous "unavailable" preview rather than an error.
func (s *Server) replyPreviewJSON(ctx context.Context, replyTo int64) (string, error) {
	preview := protocol.ReplyPreview{Content: "消息不可用"}

	m, err := s.deps.Store.GetMessage(ctx, replyTo)
	switch {
	case err == nil:
		preview.Sender = m.Sender
		if m.AttachmentType != "" {
			preview.Content = fmt.Sprintf("[%s]: %s", m.AttachmentType, m.OriginalFileName)
		} else {
			preview.Content = m.Text
		}
	case errors.Is(err, store.ErrNotFound):
		// keep the unavailable snapshot
	default:
		return "", err
	}

	raw, err := json.Marshal(preview)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Server) handleSendMessage(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.SendMessageRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Sender); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if req.Receiver == "" || req.Message == "" {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("缺少接收者或消息内容"))
		return
	}

	if err := s.requireFriendship(ctx, req.Sender, req.Receiver); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	var replyPreview string
	if req.ReplyTo != 0 {
		replyPreview, err = s.replyPreviewJSON(ctx, req.ReplyTo)
		if err != nil {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
			return
		}
	}

	writeTime := time.Now().Truncate(time.Second)
	msg := &store.Message{
		Sender:       req.Sender,
		Receiver:     req.Receiver,
		Text:         req.Message,
		WriteTime:    writeTime,
		ReplyTo:      req.ReplyTo,
		ReplyPreview: replyPreview,
	}
	rowID, err := s.deps.Store.InsertMessage(ctx, msg)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.deps.Metrics.MessagesStored.Inc()

	// Head moves before the sender hears back.
	if err := s.deps.Heads.OnMessage(ctx, req.Sender, req.Receiver, rowID, writeTime); err != nil {
		s.log.LogError(ctx, err, "conversation head update failed", "rowid", rowID)
	}

	s.respond(ctx, sess, protocol.SendMessageResponse{
		Head:         protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		RowID:        rowID,
		WriteTime:    protocol.FormatTime(writeTime),
		ReplyPreview: replyPreview,
	})

	s.deps.Presence.Push(req.Receiver, protocol.NewMessagePush{
		Type:         protocol.PushNewMessage,
		RowID:        rowID,
		Sender:       req.Sender,
		Receiver:     req.Receiver,
		Message:      req.Message,
		WriteTime:    protocol.FormatTime(writeTime),
		ReplyTo:      req.ReplyTo,
		ReplyPreview: replyPreview,
	})
}

func (s *Server) handleChatHistory(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.ChatHistoryRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	msgs, err := s.deps.Store.ListMessagesPage(ctx, req.Username, req.Friend, page, pageSize)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}

	records := make([]protocol.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, protocol.MessageRecord{
			RowID:            m.ID,
			Sender:           m.Sender,
			Receiver:         m.Receiver,
			Message:          m.Text,
			WriteTime:        protocol.FormatTime(m.WriteTime),
			AttachmentType:   m.AttachmentType,
			OriginalFileName: m.OriginalFileName,
			FileSize:         m.FileSize,
			Duration:         m.Duration,
			FileID:           m.FileID,
			ReplyTo:          m.ReplyTo,
			ReplyPreview:     m.ReplyPreview,
		})
	}

	s.respond(ctx, sess, protocol.ChatHistoryResponse{
		Head:     protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Messages: records,
		Page:     page,
		PageSize: pageSize,
	})
}

func (s *Server) handleDeleteMessages(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.DeleteMessagesRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, protocol.TypeMessagesDeleted, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, protocol.TypeMessagesDeleted, env.RequestID, err)
		return
	}
	if len(req.RowIDs) == 0 {
		s.respondErr(ctx, sess, protocol.TypeMessagesDeleted, env.RequestID, apperrors.Invalid("缺少消息编号"))
		return
	}

	updates, err := s.deps.Store.DeleteMessagesOwned(ctx, req.Username, req.RowIDs)
	if err != nil {
		if errors.Is(err, store.ErrNotOwned) {
			s.respondErr(ctx, sess, protocol.TypeMessagesDeleted, env.RequestID,
				apperrors.NotFound("无权限删除或消息不存在"))
			return
		}
		s.respondErr(ctx, sess, protocol.TypeMessagesDeleted, env.RequestID, apperrors.Store(err))
		return
	}
	s.deps.Heads.ApplyDeletes(updates)

	resp := protocol.DeleteMessagesResponse{
		Head:          protocol.NewHead(protocol.TypeMessagesDeleted, env.RequestID, apperrors.StatusSuccess, ""),
		DeletedRowIDs: req.RowIDs,
	}
	if len(updates) > 0 {
		resp.Conversations = conversationContent(updates[0].Latest)
		if updates[0].Latest != nil {
			resp.WriteTime = protocol.FormatTime(updates[0].Latest.WriteTime)
		}
	}
	s.respond(ctx, sess, resp)

	for _, u := range updates {
		peer := u.Username
		if peer == req.Username {
			peer = u.Friend
		}
		if peer == req.Username {
			continue
		}
		push := protocol.DeletedMessagesPush{
			Type:          protocol.PushDeletedMessages,
			Sender:        req.Username,
			DeletedRowIDs: u.DeletedIDs,
			Conversations: conversationContent(u.Latest),
		}
		if u.Latest != nil {
			push.WriteTime = protocol.FormatTime(u.Latest.WriteTime)
		}
		s.deps.Presence.Push(peer, push)
	}
}
