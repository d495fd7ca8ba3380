package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperim/whisperd/internal/conversation"
	"github.com/whisperim/whisperd/internal/logger"
	"github.com/whisperim/whisperd/internal/media"
	"github.com/whisperim/whisperd/internal/metrics"
	"github.com/whisperim/whisperd/internal/presence"
	"github.com/whisperim/whisperd/internal/protocol"
	"github.com/whisperim/whisperd/internal/register"
	"github.com/whisperim/whisperd/internal/upload"
)

const testSecret = "gateway-test-secret"

type fakeProber struct{}

func (fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return 3.5, nil
}

func (fakeProber) Thumbnail(ctx context.Context, srcPath, dstPath string) error {
	return os.WriteFile(dstPath, []byte("jpeg-frame"), 0o644)
}

func newTestServer(t *testing.T, fs *fakeStore) *Server {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})

	codec, err := protocol.NewCodec(testSecret)
	require.NoError(t, err)

	m := metrics.New()
	table := presence.NewTable(log, m)
	notifier := presence.NewNotifier(table, NewFriendSource(fs), log)
	heads := conversation.New(fs, log)
	require.NoError(t, heads.Hydrate(context.Background()))

	srv := New(Deps{
		ListenAddr: "127.0.0.1:0",
		Codec:      codec,
		Store:      fs,
		Heads:      heads,
		Presence:   table,
		Notifier:   notifier,
		Uploads:    upload.NewTable(log),
		Media:      media.NewStore(t.TempDir()),
		Prober:     fakeProber{},
		Register:   register.NewMachine(fs, register.NewBitmapRenderer(), time.Minute, log),
		Metrics:    m,
		Log:        log,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec *protocol.Codec
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	codec, err := protocol.NewCodec(testSecret)
	require.NoError(t, err)
	return &testClient{t: t, conn: conn, codec: codec}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	frame, err := c.codec.Seal(payload)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := c.codec.ReadFrame(c.conn)
	require.NoError(c.t, err)

	var m map[string]any
	require.NoError(c.t, json.Unmarshal(payload, &m))
	return m
}

// await reads frames until one of the given type arrives, skipping
// unrelated pushes.
func (c *testClient) await(typ string) map[string]any {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		m := c.recv()
		if m["type"] == typ {
			return m
		}
	}
	c.t.Fatalf("no %q frame received", typ)
	return nil
}

func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.send(map[string]any{
		"type": protocol.TypeAuthenticate, "request_id": "login-" + username,
		"username": username, "password": password,
	})
	resp := c.await(protocol.TypeAuthenticate)
	require.Equal(c.t, "success", resp["status"])
	// The full friend list follows the login response.
	c.await(protocol.PushFriendListUpdate)
}

func seedPair(fs *fakeStore) {
	fs.addUser(testUser("alice"))
	fs.addUser(testUser("bob"))
	fs.befriend("alice", "bob")
}

func TestAuthenticate(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	c := dial(t, srv)
	c.send(map[string]any{
		"type": protocol.TypeAuthenticate, "request_id": "r1",
		"username": "alice", "password": "wrong",
	})
	resp := c.await(protocol.TypeAuthenticate)
	assert.Equal(t, "fail", resp["status"])
	assert.Equal(t, "账号或密码错误", resp["message"])

	c.login("alice", "Passw0rd")

	// A second connection for the same username is rejected.
	dup := dial(t, srv)
	dup.send(map[string]any{
		"type": protocol.TypeAuthenticate, "request_id": "r2",
		"username": "alice", "password": "Passw0rd",
	})
	resp = dup.await(protocol.TypeAuthenticate)
	assert.Equal(t, "fail", resp["status"])
	assert.Equal(t, "该账号已登录", resp["message"])
}

func TestUnknownType(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs)

	c := dial(t, srv)
	c.send(map[string]any{"type": "no_such_operation", "request_id": "r1"})
	resp := c.recv()
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "unknown type", resp["message"])
}

func TestMalformedFrameRecovery(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	c := dial(t, srv)

	// A well-framed body that fails authentication: the server reports and
	// keeps the connection.
	junk := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16,
		0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c}
	frame := make([]byte, 4+len(junk))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(junk)))
	copy(frame[4:], junk)
	_, err := c.conn.Write(frame)
	require.NoError(t, err)

	resp := c.recv()
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "invalid request format", resp["message"])

	// The stream is still aligned.
	c.login("alice", "Passw0rd")
}

func TestExitTerminatesConnection(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs)

	c := dial(t, srv)
	c.send(map[string]any{"type": protocol.TypeExit, "request_id": "r1"})
	resp := c.await(protocol.TypeExit)
	assert.Equal(t, "success", resp["status"])

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.codec.ReadFrame(c.conn)
	assert.Error(t, err)
}

func TestSendMessageWithReplyPreview(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")
	bob := dial(t, srv)
	bob.login("bob", "Passw0rd")

	alice.send(map[string]any{
		"type": protocol.TypeSendMessage, "request_id": "r1",
		"sender": "alice", "receiver": "bob", "message": "hi",
	})
	resp := alice.await(protocol.TypeSendMessage)
	require.Equal(t, "success", resp["status"])
	rowID := int64(resp["rowid"].(float64))
	require.NotZero(t, rowID)

	push := bob.await(protocol.PushNewMessage)
	assert.Equal(t, "hi", push["message"])
	assert.Equal(t, "alice", push["sender"])

	bob.send(map[string]any{
		"type": protocol.TypeSendMessage, "request_id": "r2",
		"sender": "bob", "receiver": "alice", "message": "hey", "reply_to": rowID,
	})
	resp = bob.await(protocol.TypeSendMessage)
	require.Equal(t, "success", resp["status"])

	var preview protocol.ReplyPreview
	require.NoError(t, json.Unmarshal([]byte(resp["reply_preview"].(string)), &preview))
	assert.Equal(t, "alice", preview.Sender)
	assert.Equal(t, "hi", preview.Content)
}

func TestReplyToMissingMessage(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")

	alice.send(map[string]any{
		"type": protocol.TypeSendMessage, "request_id": "r1",
		"sender": "alice", "receiver": "bob", "message": "ghost reply", "reply_to": 999,
	})
	resp := alice.await(protocol.TypeSendMessage)
	require.Equal(t, "success", resp["status"])

	var preview protocol.ReplyPreview
	require.NoError(t, json.Unmarshal([]byte(resp["reply_preview"].(string)), &preview))
	assert.Empty(t, preview.Sender)
	assert.Equal(t, "消息不可用", preview.Content)
}

func TestDeleteMessages(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")
	bob := dial(t, srv)
	bob.login("bob", "Passw0rd")

	var rowIDs []int64
	for _, text := range []string{"first", "second"} {
		alice.send(map[string]any{
			"type": protocol.TypeSendMessage, "request_id": "m-" + text,
			"sender": "alice", "receiver": "bob", "message": text,
		})
		resp := alice.await(protocol.TypeSendMessage)
		require.Equal(t, "success", resp["status"])
		rowIDs = append(rowIDs, int64(resp["rowid"].(float64)))
		bob.await(protocol.PushNewMessage)
	}

	alice.send(map[string]any{
		"type": protocol.TypeDeleteMessages, "request_id": "r1",
		"username": "alice", "rowids": []int64{rowIDs[1]},
	})
	resp := alice.await(protocol.TypeMessagesDeleted)
	require.Equal(t, "success", resp["status"])
	assert.Equal(t, "first", resp["conversations"])

	push := bob.await(protocol.PushDeletedMessages)
	assert.Equal(t, "alice", push["sender"])
	assert.Equal(t, "first", push["conversations"])

	// Deleting the same id again fails: it no longer exists.
	alice.send(map[string]any{
		"type": protocol.TypeDeleteMessages, "request_id": "r2",
		"username": "alice", "rowids": []int64{rowIDs[1]},
	})
	resp = alice.await(protocol.TypeMessagesDeleted)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "无权限删除或消息不存在", resp["message"])
}

func TestChatHistoryPagination(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")

	for _, text := range []string{"one", "two", "three"} {
		alice.send(map[string]any{
			"type": protocol.TypeSendMessage, "request_id": "m-" + text,
			"sender": "alice", "receiver": "bob", "message": text,
		})
		resp := alice.await(protocol.TypeSendMessage)
		require.Equal(t, "success", resp["status"])
	}

	alice.send(map[string]any{
		"type": protocol.TypeChatHistory, "request_id": "r1",
		"username": "alice", "friend": "bob", "page": 1, "page_size": 2,
	})
	resp := alice.await(protocol.TypeChatHistory)
	require.Equal(t, "success", resp["status"])
	msgs := resp["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].(map[string]any)["message"])
	assert.Equal(t, "two", msgs[1].(map[string]any)["message"])

	alice.send(map[string]any{
		"type": protocol.TypeChatHistory, "request_id": "r2",
		"username": "alice", "friend": "bob", "page": 2, "page_size": 2,
	})
	resp = alice.await(protocol.TypeChatHistory)
	msgs = resp["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].(map[string]any)["message"])
}

func TestAddFriendRules(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(testUser("alice"))
	fs.addUser(testUser("bob"))
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")

	alice.send(map[string]any{
		"type": protocol.TypeAddFriend, "request_id": "r1",
		"username": "alice", "friend": "alice",
	})
	resp := alice.await(protocol.TypeAddFriend)
	assert.Equal(t, "fail", resp["status"])

	alice.send(map[string]any{
		"type": protocol.TypeAddFriend, "request_id": "r2",
		"username": "alice", "friend": "nobody",
	})
	resp = alice.await(protocol.TypeAddFriend)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "用户不存在", resp["message"])

	alice.send(map[string]any{
		"type": protocol.TypeAddFriend, "request_id": "r3",
		"username": "alice", "friend": "bob",
	})
	resp = alice.await(protocol.TypeAddFriend)
	require.Equal(t, "success", resp["status"])
	// Scoped projection of the new friend arrives as a push.
	push := alice.await(protocol.PushFriendUpdate)
	friends := push["friends"].([]any)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].(map[string]any)["username"])

	alice.send(map[string]any{
		"type": protocol.TypeAddFriend, "request_id": "r4",
		"username": "alice", "friend": "bob",
	})
	resp = alice.await(protocol.TypeAddFriend)
	assert.Equal(t, "fail", resp["status"])
	assert.Equal(t, "已经是好友", resp["message"])
}

func TestMediaUploadAndDownload(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")
	bob := dial(t, srv)
	bob.login("bob", "Passw0rd")

	blob := []byte("attachment payload bytes")
	alice.send(map[string]any{
		"type": protocol.TypeSendMedia, "request_id": "up1",
		"sender": "alice", "receiver": "bob",
		"file_type": "file", "file_name": "notes.txt",
		"total_size": len(blob),
		"file_data":  base64.StdEncoding.EncodeToString(blob),
	})
	resp := alice.await(protocol.TypeSendMedia)
	require.Equal(t, "success", resp["status"])
	assert.Equal(t, "分块接收中", resp["message"])

	// Empty file_data terminates the upload.
	alice.send(map[string]any{
		"type": protocol.TypeSendMedia, "request_id": "up1",
		"sender": "alice", "receiver": "bob",
		"file_type": "file", "file_name": "notes.txt",
		"file_data": "",
	})
	resp = alice.await(protocol.TypeSendMedia)
	require.Equal(t, "success", resp["status"])
	fileID := resp["file_id"].(string)
	require.NotEmpty(t, fileID)
	assert.Equal(t, float64(len(blob)), resp["file_size"])

	push := bob.await(protocol.PushNewMedia)
	assert.Equal(t, fileID, push["file_id"])
	assert.Equal(t, "notes.txt", push["original_file_name"])

	bob.send(map[string]any{
		"type": protocol.TypeDownloadMedia, "request_id": "dl1",
		"file_id": fileID, "download_type": "file", "offset": 0,
	})
	resp = bob.await(protocol.TypeDownloadMedia)
	require.Equal(t, "success", resp["status"])
	assert.Equal(t, true, resp["is_complete"])

	got, err := base64.StdEncoding.DecodeString(resp["file_data"].(string))
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestRegisterChallengeOverWire(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs)

	c := dial(t, srv)
	c.send(map[string]any{
		"type": protocol.TypeUserRegister, "request_id": "r1", "subtype": 1,
	})
	resp := c.await(protocol.TypeUserRegister)
	require.Equal(t, "success", resp["status"])
	sessionID := resp["session_id"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, resp["captcha_image"])

	// Wrong captcha: fail plus a fresh image on the same session.
	c.send(map[string]any{
		"type": protocol.TypeUserRegister, "request_id": "r2", "subtype": 2,
		"session_id": sessionID, "captcha_input": "......",
	})
	resp = c.await(protocol.TypeUserRegister)
	assert.Equal(t, "fail", resp["status"])
	assert.NotEmpty(t, resp["captcha_image"])

	// Completing without verification is rejected.
	c.send(map[string]any{
		"type": protocol.TypeUserRegister, "request_id": "r3", "subtype": 3,
		"session_id": sessionID, "password": "Passw0rd",
	})
	resp = c.await(protocol.TypeUserRegister)
	assert.Equal(t, "fail", resp["status"])
	assert.Equal(t, "验证码未通过验证", resp["message"])
}

func TestHandlersRequireAuthentication(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	c := dial(t, srv)
	c.send(map[string]any{
		"type": protocol.TypeSendMessage, "request_id": "r1",
		"sender": "alice", "receiver": "bob", "message": "hi",
	})
	resp := c.await(protocol.TypeSendMessage)
	assert.Equal(t, "fail", resp["status"])
}

func TestSendMessageRequiresFriendship(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(testUser("alice"))
	fs.addUser(testUser("carol"))
	srv := newTestServer(t, fs)

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")

	alice.send(map[string]any{
		"type": protocol.TypeSendMessage, "request_id": "r1",
		"sender": "alice", "receiver": "carol", "message": "hi",
	})
	resp := alice.await(protocol.TypeSendMessage)
	assert.Equal(t, "fail", resp["status"])
	assert.Equal(t, "对方不是你的好友", resp["message"])
}

func TestOfflineFanOutOnDisconnect(t *testing.T) {
	fs := newFakeStore()
	seedPair(fs)
	srv := newTestServer(t, fs)

	bob := dial(t, srv)
	bob.login("bob", "Passw0rd")

	alice := dial(t, srv)
	alice.login("alice", "Passw0rd")
	// Bob sees alice come online.
	push := bob.await(protocol.PushFriendUpdate)
	entry := push["friends"].([]any)[0].(map[string]any)
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, true, entry["online"])

	alice.conn.Close()
	push = bob.await(protocol.PushFriendUpdate)
	entry = push["friends"].([]any)[0].(map[string]any)
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, false, entry["online"])
}
