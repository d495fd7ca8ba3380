package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/presence"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/register"
	"github.com/whisperim/whisperd/internal/store"
)

// decode unmarshals a request body. Failures map to the protocol error the
// frame layer would have produced.
func decode[T any](raw []byte) (*T, error) {
	req := new(T)
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, apperrors.Protocol("invalid request format")
	}
	return req, nil
}

// requireUser checks that the session is authenticated as username. An
// empty username only checks authentication.
func requireUser(sess *LiveSession, username string) error {
	if sess.username == "" {
		return apperrors.Auth("未登录")
	}
	if username != "" && username != sess.username {
		return apperrors.Auth("无权操作其他账号")
	}
	return nil
}

func (s *Server) handleAuthenticate(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.AuthenticateRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("缺少账号或密码"))
		return
	}
	if sess.username != "" {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("当前连接已登录"))
		return
	}

	u, err := s.deps.Store.GetUser(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Auth("账号或密码错误"))
		return
	}
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	if u.Password != req.Password {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Auth("账号或密码错误"))
		return
	}

	if err := s.deps.Presence.Bind(req.Username, sess); err != nil {
		if errors.Is(err, presence.ErrAlreadyBound) {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Auth("该账号已登录"))
			return
		}
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	sess.username = req.Username
	ctx = logger.WithUsername(ctx, req.Username)

	s.respond(ctx, sess, protocol.AuthenticateResponse{
		Head:     protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Nickname: u.Nickname,
		Sign:     u.Sign,
		AvatarID: u.AvatarID,
	})

	// The response goes first, then the full friend list, then the online
	// fan-out to peers.
	s.deps.Notifier.PushFriendList(ctx, req.Username)
	s.deps.Notifier.NotifyFriendsChanged(ctx, req.Username, req.Username)
}

func (s *Server) handleAddFriend(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.AddFriendRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if req.Friend == "" {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("缺少好友账号"))
		return
	}
	if req.Friend == req.Username {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("不能添加自己为好友"))
		return
	}

	exists, err := s.deps.Store.UsernameExists(ctx, req.Friend)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	if !exists {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.NotFound("用户不存在"))
		return
	}

	if err := s.deps.Store.AddFriend(ctx, req.Username, req.Friend); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("已经是好友"))
			return
		}
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}

	s.sendHead(ctx, sess, env.Type, env.RequestID, nil)

	// Both endpoints get the other's projection.
	s.deps.Notifier.PushFriendEntry(ctx, req.Username, req.Friend)
	s.deps.Notifier.PushFriendEntry(ctx, req.Friend, req.Username)
}

func (s *Server) handleUpdateRemarks(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.UpdateRemarksRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	if err := s.deps.Store.UpdateRemarks(ctx, req.Username, req.Friend, req.Remarks); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("好友不存在"))
			return
		}
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}

	s.sendHead(ctx, sess, env.Type, env.RequestID, nil)

	// Remarks are owner-local; only the owner's projection changes.
	s.deps.Notifier.PushFriendEntry(ctx, req.Username, req.Friend)
}

func (s *Server) handleUploadAvatar(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.UploadAvatarRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.AvatarData)
	if err != nil || len(data) == 0 {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("头像数据无效"))
		return
	}
	if len(data) > register.MaxAvatarSize {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("头像文件过大"))
		return
	}

	avatarID, avatarPath, err := s.deps.Media.SaveAvatar(req.Username, data)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.IO(err))
		return
	}
	if err := s.deps.Store.UpdateAvatar(ctx, req.Username, avatarID, avatarPath); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}

	s.respond(ctx, sess, protocol.GetUserInfoResponse{
		Head:     protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Username: req.Username,
		AvatarID: avatarID,
	})

	s.deps.Notifier.NotifyFriendsChanged(ctx, req.Username, req.Username)
}

func (s *Server) handleUpdateSign(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.UpdateSignRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	if err := s.deps.Store.UpdateSign(ctx, req.Username, req.Sign); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.sendHead(ctx, sess, env.Type, env.RequestID, nil)
	s.deps.Notifier.NotifyFriendsChanged(ctx, req.Username, req.Username)
}

func (s *Server) handleUpdateName(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.UpdateNameRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Username); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	if err := s.deps.Store.UpdateNickname(ctx, req.Username, req.Nickname); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.sendHead(ctx, sess, env.Type, env.RequestID, nil)
	s.deps.Notifier.NotifyFriendsChanged(ctx, req.Username, req.Username)
}

func (s *Server) handleGetUserInfo(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.GetUserInfoRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, ""); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	u, err := s.deps.Store.GetUser(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.NotFound("用户不存在"))
		return
	}
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}

	s.respond(ctx, sess, protocol.GetUserInfoResponse{
		Head:     protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Username: u.Username,
		AvatarID: u.AvatarID,
		Nickname: u.Nickname,
		Sign:     u.Sign,
	})
}
