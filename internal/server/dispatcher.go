package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/protocol"
)

// invalidFormat is the one response sent for malformed frames; the
// connection stays open.
var invalidFormat = struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}{Status: apperrors.StatusError, Message: "invalid request format"}

// handleConn runs the per-connection dispatcher loop: read one frame,
// route it, write the response(s), repeat. Requests on one connection are
// strictly serialized.
func (s *Server) handleConn(conn net.Conn) {
	sess := newLiveSession(conn, s.deps.Codec)
	s.trackConn(sess)

	ctx := logger.WithRemoteAddr(s.baseCtx, sess.RemoteAddr())
	log := s.log.WithContext(ctx)
	log.Debug("connection opened", slog.String("conn_id", sess.id))

	defer func() {
		s.teardown(ctx, sess)
		log.Debug("connection closed", slog.String("conn_id", sess.id))
	}()

	for {
		payload, err := s.deps.Codec.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrEmptyFrame) || errors.Is(err, protocol.ErrDecrypt) {
				// Stream is still aligned; report and keep serving.
				if sendErr := sess.send(invalidFormat); sendErr != nil {
					return
				}
				continue
			}
			// Short reads, oversized frames and transport errors are
			// unrecoverable.
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			if sendErr := sess.send(invalidFormat); sendErr != nil {
				return
			}
			continue
		}

		if !s.dispatch(ctx, sess, env, payload) {
			return
		}
	}
}

// dispatch routes one decoded request. Returns false when the loop should
// terminate.
func (s *Server) dispatch(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) bool {
	s.deps.Metrics.RequestsTotal.WithLabelValues(env.Type).Inc()
	ctx = logger.WithRequestID(ctx, env.RequestID)
	if sess.username != "" {
		ctx = logger.WithUsername(ctx, sess.username)
	}

	switch env.Type {
	case protocol.TypeAuthenticate:
		s.handleAuthenticate(ctx, sess, env, raw)
	case protocol.TypeSendMessage:
		s.handleSendMessage(ctx, sess, env, raw)
	case protocol.TypeSendMedia:
		s.handleSendMedia(ctx, sess, env, raw)
	case protocol.TypeDownloadMedia:
		s.handleDownloadMedia(ctx, sess, env, raw)
	case protocol.TypeChatHistory:
		s.handleChatHistory(ctx, sess, env, raw)
	case protocol.TypeAddFriend:
		s.handleAddFriend(ctx, sess, env, raw)
	case protocol.TypeUpdateRemarks:
		s.handleUpdateRemarks(ctx, sess, env, raw)
	case protocol.TypeUploadAvatar:
		s.handleUploadAvatar(ctx, sess, env, raw)
	case protocol.TypeUpdateSign:
		s.handleUpdateSign(ctx, sess, env, raw)
	case protocol.TypeUpdateName:
		s.handleUpdateName(ctx, sess, env, raw)
	case protocol.TypeGetUserInfo:
		s.handleGetUserInfo(ctx, sess, env, raw)
	case protocol.TypeDeleteMessages:
		s.handleDeleteMessages(ctx, sess, env, raw)
	case protocol.TypeUserRegister:
		s.handleUserRegister(ctx, sess, env, raw)
	case protocol.TypeExit:
		s.sendHead(ctx, sess, env.Type, env.RequestID, nil)
		return false
	default:
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Protocol("unknown type"))
	}
	return true
}

// teardown unbinds the session, announces the offline transition and drops
// any in-flight uploads owned by the connection.
func (s *Server) teardown(ctx context.Context, sess *LiveSession) {
	s.untrackConn(sess)
	sess.conn.Close()
	s.deps.Uploads.ReleaseConn(sess.id)

	if sess.username != "" {
		s.deps.Presence.Unbind(sess.username, sess)
		s.deps.Notifier.NotifyFriendsChanged(ctx, sess.username, sess.username)
	}
}

// sendHead writes a bare head response: success when err is nil, otherwise
// the mapped status and message.
func (s *Server) sendHead(ctx context.Context, sess *LiveSession, typ, requestID string, err error) {
	if err != nil {
		s.respondErr(ctx, sess, typ, requestID, err)
		return
	}
	s.respond(ctx, sess, protocol.NewHead(typ, requestID, apperrors.StatusSuccess, ""))
}

// respondErr maps err to its wire status/message and logs internal kinds.
func (s *Server) respondErr(ctx context.Context, sess *LiveSession, typ, requestID string, err error) {
	if errors.Is(err, apperrors.ErrStore) || errors.Is(err, apperrors.ErrIO) {
		s.log.LogError(ctx, err, "handler failed", "type", typ)
	}
	s.respond(ctx, sess, protocol.NewHead(typ, requestID, apperrors.Status(err), apperrors.ClientMessage(err)))
}

// respond writes one response frame; write errors end the connection via
// the next read.
func (s *Server) respond(ctx context.Context, sess *LiveSession, v any) {
	if err := sess.send(v); err != nil {
		s.log.WithContext(ctx).Warn("response write failed", slog.String("error", err.Error()))
	}
}
