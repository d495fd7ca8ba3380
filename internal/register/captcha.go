// Package register implements the registration captcha state machine:
// short-lived sessions moving Fresh -> Verified -> Completed, expiring by
// wall-clock TTL.
package register

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	apperrors "github.com/whisperim/whisperd/internal/errors"
	"github.com/whisperim/whisperd/internal/logger"
)

const (
	captchaLength      = 6
	usernameAttempts   = 50
	minPasswordLength  = 8
	maxAvatarSizeBytes = 2 << 20
)

// captchaAlphabet omits visually ambiguous characters.
const captchaAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// MaxAvatarSize is the largest avatar blob accepted at registration.
const MaxAvatarSize = maxAvatarSizeBytes

// UserSource is the slice of the store the machine needs for candidate
// username uniqueness.
type UserSource interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Renderer produces the captcha PNG for a code. The real renderer is an
// external collaborator; this package ships a minimal fallback.
type Renderer interface {
	Render(text string) ([]byte, error)
}

type session struct {
	username  string
	captcha   string
	createdAt time.Time
	verified  bool
}

// Challenge is what register_1 hands back to the client.
type Challenge struct {
	SessionID string
	Username  string
	ImagePNG  []byte
}

// Machine owns the captcha session map. One mutex guards it; rendering and
// store lookups run outside the lock.
type Machine struct {
	mu       sync.Mutex
	sessions map[string]*session

	users    UserSource
	renderer Renderer
	ttl      time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewMachine creates an empty registration machine.
func NewMachine(users UserSource, renderer Renderer, ttl time.Duration, log *logger.Logger) *Machine {
	return &Machine{
		sessions: make(map[string]*session),
		users:    users,
		renderer: renderer,
		ttl:      ttl,
		log:      log.WithComponent("register"),
		now:      time.Now,
	}
}

// Begin allocates a session: a unique 8-10 digit candidate username and a
// fresh captcha.
func (m *Machine) Begin(ctx context.Context) (*Challenge, error) {
	username, err := m.newCandidate(ctx)
	if err != nil {
		return nil, err
	}

	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	img, err := m.renderer.Render(code)
	if err != nil {
		return nil, fmt.Errorf("render captcha: %w", err)
	}

	id := uuid.New().String()
	m.mu.Lock()
	m.sessions[id] = &session{username: username, captcha: code, createdAt: m.now()}
	m.mu.Unlock()

	return &Challenge{SessionID: id, Username: username, ImagePNG: img}, nil
}

// Verify compares the submitted code case-insensitively. A mismatch
// regenerates the captcha, resets the TTL and returns the new image.
func (m *Machine) Verify(sessionID, input string) (bool, []byte, error) {
	m.mu.Lock()
	s, err := m.liveSessionLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return false, nil, err
	}
	match := equalFold(s.captcha, input)
	if match {
		s.verified = true
		m.mu.Unlock()
		return true, nil, nil
	}
	m.mu.Unlock()

	img, err := m.refresh(sessionID)
	if err != nil {
		return false, nil, err
	}
	return false, img, nil
}

// Claim checks that the session is verified and unexpired, returning the
// candidate username. The session survives until Complete.
func (m *Machine) Claim(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveSessionLocked(sessionID)
	if err != nil {
		return "", err
	}
	if !s.verified {
		return "", apperrors.Reject("验证码未通过验证")
	}
	return s.username, nil
}

// Complete destroys the session after the users row is inserted.
func (m *Machine) Complete(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Refresh regenerates the captcha image and resets the TTL (register_4).
func (m *Machine) Refresh(sessionID string) ([]byte, error) {
	return m.refresh(sessionID)
}

// Sweep evicts sessions past the TTL. Runs from the background timer and is
// also applied inline on each access.
func (m *Machine) Sweep() int {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if s.createdAt.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Debug("captcha sessions evicted", slog.Int("count", evicted))
	}
	return evicted
}

func (m *Machine) refresh(sessionID string) ([]byte, error) {
	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	img, err := m.renderer.Render(code)
	if err != nil {
		return nil, fmt.Errorf("render captcha: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.liveSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	s.captcha = code
	s.createdAt = m.now()
	s.verified = false
	return img, nil
}

// liveSessionLocked returns the session, evicting it inline when expired.
// Caller holds the mutex.
func (m *Machine) liveSessionLocked(sessionID string) (*session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("验证会话不存在或已过期")
	}
	if m.now().Sub(s.createdAt) > m.ttl {
		delete(m.sessions, sessionID)
		return nil, apperrors.NotFound("验证会话不存在或已过期")
	}
	return s, nil
}

func (m *Machine) newCandidate(ctx context.Context) (string, error) {
	for i := 0; i < usernameAttempts; i++ {
		candidate, err := randomUsername()
		if err != nil {
			return "", err
		}
		exists, err := m.users.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique username after %d attempts", usernameAttempts)
}

// randomUsername produces an 8-10 digit number with a non-zero first digit.
func randomUsername() (string, error) {
	length, err := randInt(3)
	if err != nil {
		return "", err
	}
	length += 8

	digits := make([]byte, length)
	for i := range digits {
		base := 10
		if i == 0 {
			base = 9
		}
		d, err := randInt(base)
		if err != nil {
			return "", err
		}
		if i == 0 {
			d++
		}
		digits[i] = byte('0' + d)
	}
	return string(digits), nil
}

func randomCode() (string, error) {
	code := make([]byte, captchaLength)
	for i := range code {
		n, err := randInt(len(captchaAlphabet))
		if err != nil {
			return "", err
		}
		code[i] = captchaAlphabet[n]
	}
	return string(code), nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	return int(v.Int64()), nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if unicode.ToUpper(rune(a[i])) != unicode.ToUpper(rune(b[i])) {
			return false
		}
	}
	return true
}

// ValidatePassword enforces the registration policy: length >= 8, at least
// one uppercase letter and one digit.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.Reject("密码长度不足8位")
	}
	var hasUpper, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper {
		return apperrors.Reject("密码需要包含大写字母")
	}
	if !hasDigit {
		return apperrors.Reject("密码需要包含数字")
	}
	return nil
}
