package server

import (
	"context"
	"encoding/base64"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/register"
	"github.com/whisperim/whisperd/internal/store"
)

// Registration subtypes.
const (
	registerBegin    = 1
	registerVerify   = 2
	registerComplete = 3
	registerRefresh  = 4
)

func (s *Server) handleUserRegister(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.UserRegisterRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	switch req.Subtype {
	case registerBegin:
		s.registerBegin(ctx, sess, env)
	case registerVerify:
		s.registerVerify(ctx, sess, env, req)
	case registerComplete:
		s.registerComplete(ctx, sess, env, req)
	case registerRefresh:
		s.registerRefresh(ctx, sess, env, req)
	default:
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("未知的注册步骤"))
	}
}

func (s *Server) registerBegin(ctx context.Context, sess *LiveSession, env protocol.Envelope) {
	ch, err := s.deps.Register.Begin(ctx)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.respond(ctx, sess, protocol.UserRegisterResponse{
		Head:         protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Username:     ch.Username,
		SessionID:    ch.SessionID,
		CaptchaImage: base64.StdEncoding.EncodeToString(ch.ImagePNG),
	})
}

func (s *Server) registerVerify(ctx context.Context, sess *LiveSession, env protocol.Envelope, req *protocol.UserRegisterRequest) {
	ok, freshImage, err := s.deps.Register.Verify(req.SessionID, req.CaptchaInput)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if !ok {
		s.respond(ctx, sess, protocol.UserRegisterResponse{
			Head:         protocol.NewHead(env.Type, env.RequestID, apperrors.StatusFail, "验证码错误"),
			SessionID:    req.SessionID,
			CaptchaImage: base64.StdEncoding.EncodeToString(freshImage),
		})
		return
	}
	s.sendHead(ctx, sess, env.Type, env.RequestID, nil)
}

func (s *Server) registerComplete(ctx context.Context, sess *LiveSession, env protocol.Envelope, req *protocol.UserRegisterRequest) {
	username, err := s.deps.Register.Claim(req.SessionID)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := register.ValidatePassword(req.Password); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	var avatarID, avatarPath string
	if req.AvatarData != "" {
		data, err := base64.StdEncoding.DecodeString(req.AvatarData)
		if err != nil || len(data) == 0 {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("头像数据无效"))
			return
		}
		if len(data) > register.MaxAvatarSize {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Reject("头像文件过大"))
			return
		}
		avatarID, avatarPath, err = s.deps.Media.SaveAvatar(username, data)
		if err != nil {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.IO(err))
			return
		}
	}

	err = s.deps.Store.CreateUser(ctx, &store.User{
		Username:   username,
		Password:   req.Password,
		AvatarID:   avatarID,
		AvatarPath: avatarPath,
		Nickname:   req.Nickname,
		Sign:       req.Sign,
	})
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.deps.Register.Complete(req.SessionID)

	s.respond(ctx, sess, protocol.UserRegisterResponse{
		Head:     protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		Username: username,
	})
}

func (s *Server) registerRefresh(ctx context.Context, sess *LiveSession, env protocol.Envelope, req *protocol.UserRegisterRequest) {
	img, err := s.deps.Register.Refresh(req.SessionID)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	s.respond(ctx, sess, protocol.UserRegisterResponse{
		Head:         protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		SessionID:    req.SessionID,
		CaptchaImage: base64.StdEncoding.EncodeToString(img),
	})
}
