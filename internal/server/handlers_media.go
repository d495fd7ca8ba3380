package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/media"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/store"
	"github.com/whisperim/whisperd/internal/upload"
)

func (s *Server) handleSendMedia(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.SendMediaRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, req.Sender); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	us, tracked := s.deps.Uploads.Lookup(env.RequestID)
	if !tracked {
		us, err = s.beginUpload(ctx, sess, env.RequestID, req)
		if err != nil {
			s.respondErr(ctx, sess, env.Type, env.RequestID, err)
			return
		}
	}

	if req.FileData != "" {
		chunk, err := base64.StdEncoding.DecodeString(req.FileData)
		if err != nil {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("文件数据无效"))
			return
		}
		if _, err := s.deps.Uploads.Append(env.RequestID, chunk); err != nil {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.IO(err))
			return
		}
		s.deps.Metrics.BytesUploaded.Add(float64(len(chunk)))
		s.respond(ctx, sess, protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, "分块接收中"))
		return
	}

	// Empty file_data terminates the upload.
	us, ok := s.deps.Uploads.Finish(env.RequestID)
	if !ok {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("上传会话不存在"))
		return
	}
	s.finalizeUpload(ctx, sess, env, us)
}

// beginUpload validates the first chunk of a request id and registers the
// session.
func (s *Server) beginUpload(ctx context.Context, sess *LiveSession, requestID string, req *protocol.SendMediaRequest) (*upload.Session, error) {
	if req.Receiver == "" || req.FileName == "" {
		return nil, apperrors.Invalid("缺少接收者或文件名")
	}
	if err := s.requireFriendship(ctx, req.Sender, req.Receiver); err != nil {
		return nil, err
	}

	unique := s.deps.Media.UniqueName(req.FileName)
	path, err := s.deps.Media.OriginalPath(req.FileType, unique)
	if err != nil {
		if errors.Is(err, media.ErrUnknownFileType) {
			return nil, apperrors.Invalid("未知的文件类型")
		}
		return nil, apperrors.IO(err)
	}

	us := &upload.Session{
		RequestID:        requestID,
		ConnID:           sess.id,
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		FileType:         req.FileType,
		OriginalFileName: req.FileName,
		Caption:          req.Message,
		FilePath:         path,
		UniqueFileName:   unique,
		ExpectedSize:     req.TotalSize,
	}
	if err := s.deps.Uploads.Begin(us); err != nil {
		return nil, apperrors.Invalid("上传会话冲突")
	}
	return us, nil
}

// finalizeUpload derives thumbnail and duration, inserts the message row and
// fans out the new_media push. Thumbnailing and probing are best-effort; a
// finished upload always becomes a message.
func (s *Server) finalizeUpload(ctx context.Context, sess *LiveSession, env protocol.Envelope, us *upload.Session) {
	log := s.log.WithContext(ctx)

	var (
		thumbPath string
		thumbData []byte
		duration  float64
	)
	switch us.FileType {
	case protocol.AttachmentImage:
		dst := s.deps.Media.ThumbnailPath(us.FileType, us.UniqueFileName)
		data, err := media.MakeImageThumbnail(us.FilePath, dst)
		if err != nil {
			log.Warn("image thumbnail failed",
				slog.String("file", us.UniqueFileName), slog.String("error", err.Error()))
		} else {
			thumbPath, thumbData = dst, data
		}
	case protocol.AttachmentVideo:
		dst := s.deps.Media.ThumbnailPath(us.FileType, us.UniqueFileName)
		if err := s.deps.Prober.Thumbnail(ctx, us.FilePath, dst); err != nil {
			log.Warn("video thumbnail failed",
				slog.String("file", us.UniqueFileName), slog.String("error", err.Error()))
		} else {
			thumbPath = dst
			data, err := os.ReadFile(dst)
			if err != nil {
				log.Warn("video thumbnail read failed", slog.String("error", err.Error()))
			} else {
				thumbData = data
			}
		}
		d, err := s.deps.Prober.Duration(ctx, us.FilePath)
		if err != nil {
			log.Warn("duration probe failed",
				slog.String("file", us.UniqueFileName), slog.String("error", err.Error()))
		} else {
			duration = d
		}
	}

	writeTime := time.Now().Truncate(time.Second)
	msg := &store.Message{
		Sender:           us.Sender,
		Receiver:         us.Receiver,
		Text:             us.Caption,
		WriteTime:        writeTime,
		AttachmentType:   us.FileType,
		AttachmentPath:   us.FilePath,
		OriginalFileName: us.OriginalFileName,
		ThumbnailPath:    thumbPath,
		FileSize:         us.ReceivedSize,
		Duration:         duration,
		FileID:           us.UniqueFileName,
	}
	rowID, err := s.deps.Store.InsertMessage(ctx, msg)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Store(err))
		return
	}
	s.deps.Metrics.MessagesStored.Inc()

	if err := s.deps.Heads.OnMessage(ctx, us.Sender, us.Receiver, rowID, writeTime); err != nil {
		s.log.LogError(ctx, err, "conversation head update failed", "rowid", rowID)
	}

	thumbB64 := ""
	if len(thumbData) > 0 {
		thumbB64 = base64.StdEncoding.EncodeToString(thumbData)
	}

	s.respond(ctx, sess, protocol.SendMediaResponse{
		Head:          protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		RowID:         rowID,
		FileID:        us.UniqueFileName,
		WriteTime:     protocol.FormatTime(writeTime),
		FileSize:      us.ReceivedSize,
		Duration:      duration,
		ThumbnailData: thumbB64,
	})

	s.deps.Presence.Push(us.Receiver, protocol.NewMediaPush{
		Type:             protocol.PushNewMedia,
		RowID:            rowID,
		Sender:           us.Sender,
		Receiver:         us.Receiver,
		FileType:         us.FileType,
		OriginalFileName: us.OriginalFileName,
		FileID:           us.UniqueFileName,
		WriteTime:        protocol.FormatTime(writeTime),
		FileSize:         us.ReceivedSize,
		Duration:         duration,
		ThumbnailData:    thumbB64,
		Message:          us.Caption,
	})
}

func (s *Server) handleDownloadMedia(ctx context.Context, sess *LiveSession, env protocol.Envelope, raw []byte) {
	req, err := decode[protocol.DownloadMediaRequest](raw)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if err := requireUser(sess, ""); err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}
	if req.FileID == "" {
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.Invalid("缺少文件编号"))
		return
	}

	path, err := s.resolveDownload(ctx, req.FileID, req.DownloadType)
	if err != nil {
		s.respondErr(ctx, sess, env.Type, env.RequestID, err)
		return
	}

	data, fileSize, complete, err := s.deps.Media.ReadWindow(path, req.Offset)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.NotFound("文件不存在"))
			return
		}
		s.respondErr(ctx, sess, env.Type, env.RequestID, apperrors.IO(err))
		return
	}

	s.respond(ctx, sess, protocol.DownloadMediaResponse{
		Head:       protocol.NewHead(env.Type, env.RequestID, apperrors.StatusSuccess, ""),
		FileSize:   fileSize,
		Offset:     req.Offset,
		IsComplete: complete,
		FileData:   base64.StdEncoding.EncodeToString(data),
	})
}

// resolveDownload maps (file_id, download_type) to an on-disk path.
func (s *Server) resolveDownload(ctx context.Context, fileID, downloadType string) (string, error) {
	switch downloadType {
	case media.DownloadAvatar:
		path, err := s.deps.Store.GetAvatarPath(ctx, fileID)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.NotFound("文件不存在")
		}
		if err != nil {
			return "", apperrors.Store(err)
		}
		return path, nil

	case media.DownloadImage, media.DownloadVideo, media.DownloadFile:
		m, err := s.deps.Store.GetMessageByFile(ctx, fileID, downloadType)
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.NotFound("文件不存在")
		}
		if err != nil {
			return "", apperrors.Store(err)
		}
		return m.AttachmentPath, nil

	case media.DownloadThumbnail:
		m, err := s.deps.Store.GetMessageByFile(ctx, fileID, "")
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.NotFound("文件不存在")
		}
		if err != nil {
			return "", apperrors.Store(err)
		}
		if m.ThumbnailPath == "" {
			return "", apperrors.NotFound("文件不存在")
		}
		return m.ThumbnailPath, nil
	}
	return "", apperrors.Invalid("未知的下载类型")
}
