package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

var (
	ErrSessionInvalid     = errors.New("invalid or expired session")
	ErrBanned             = errors.New("user is banned")
	ErrCodeInvalid        = errors.New("invalid or expired code")
	ErrMissingCredentials = errors.New("missing credentials")
)

// CodeSender delivers a login code to an address. The production sender is an
// email provider; this service only depends on the interface.
type CodeSender interface {
	Send(email, code string) error
}

// LogSender writes codes to the log instead of sending mail. Used in dev and
// in tests.
type LogSender struct{}

func (LogSender) Send(email, code string) error {
	log.Info().Str("email", email).Str("code", code).Msg("login code issued")
	return nil
}

// Verifier validates opaque session tokens and answers ban checks. It is
// consulted on every websocket admission and by session-protected HTTP
// endpoints.
type Verifier struct {
	db *gorm.DB
}

func NewVerifier(gdb *gorm.DB) *Verifier {
	return &Verifier{db: gdb}
}

// Verify looks up the session by token and returns the owning user. Absent,
// inactive or expired sessions fail with ErrSessionInvalid. On success the
// session's last-activity timestamp is refreshed best-effort; a failed
// refresh does not invalidate the result.
func (v *Verifier) Verify(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	var sess models.Session
	err := v.db.WithContext(ctx).Where("token = ?", token).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !sess.Active || time.Now().After(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}

	var user models.User
	if err := v.db.WithContext(ctx).First(&user, sess.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := v.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", sess.ID).
		UpdateColumn("last_activity_at", time.Now().UTC()).Error; err != nil {
		log.Warn().Err(err).Uint("session_id", sess.ID).Msg("refresh session activity")
	}
	return &user, nil
}

// IsBanned reports whether the identity is currently banned. A ban whose
// expiry has passed counts as lifted. Checked independently of session
// validity, so a banned user holding a valid session is still refused.
func (v *Verifier) IsBanned(ctx context.Context, email string) bool {
	var user models.User
	err := v.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error
	if err != nil {
		return false
	}
	if !user.Banned {
		return false
	}
	if user.BanExpiresAt != nil && time.Now().After(*user.BanExpiresAt) {
		return false
	}
	return true
}

// Service owns the login-code flow and session lifecycle.
type Service struct {
	db     *gorm.DB
	sender CodeSender

	codeTTL    time.Duration
	sessionTTL time.Duration
}

func NewService(gdb *gorm.DB, sender CodeSender, codeTTL, sessionTTL time.Duration) *Service {
	return &Service{db: gdb, sender: sender, codeTTL: codeTTL, sessionTTL: sessionTTL}
}

// NormalizeEmail lowercases and trims an address; identities are keyed by the
// normalized form everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RequestCode creates the identity on first sight and issues a one-time
// login code. Only the bcrypt hash of the code is stored.
func (s *Service) RequestCode(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrMissingCredentials
	}

	user := models.User{Email: email, DisplayName: displayNameFromEmail(email)}
	if err := s.db.WithContext(ctx).Where("email = ?", email).FirstOrCreate(&user).Error; err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	rec := models.LoginCode{
		Email:     email,
		CodeHash:  string(hash),
		ExpiresAt: time.Now().Add(s.codeTTL),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("store login code: %w", err)
	}
	return s.sender.Send(email, code)
}

// VerifyCode checks the most recent unconsumed code for the email, marks the
// identity verified and issues a new session.
func (s *Service) VerifyCode(ctx context.Context, email, code string) (*models.Session, *models.User, error) {
	email = NormalizeEmail(email)
	if email == "" || code == "" {
		return nil, nil, ErrMissingCredentials
	}

	var rec models.LoginCode
	err := s.db.WithContext(ctx).
		Where("email = ? AND consumed_at IS NULL AND expires_at > ?", email, time.Now()).
		Order("created_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code)) != nil {
		return nil, nil, ErrCodeInvalid
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&rec).UpdateColumn("consumed_at", now).Error; err != nil {
		return nil, nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, nil, err
	}
	if !user.Verified {
		if err := s.db.WithContext(ctx).Model(&user).UpdateColumn("verified", true).Error; err != nil {
			log.Warn().Err(err).Str("email", email).Msg("mark user verified")
		}
		user.Verified = true
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, nil, err
	}
	sess := models.Session{
		Token:          token,
		UserID:         user.ID,
		Active:         true,
		ExpiresAt:      now.Add(s.sessionTTL),
		LastActivityAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, &user, nil
}

// Logout invalidates a session without deleting it.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("token = ?", token).
		UpdateColumn("active", false).Error
}

// Ban flags an identity, optionally until a given time. A nil until is a
// permanent ban.
func (s *Service) Ban(ctx context.Context, email string, until *time.Time) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", NormalizeEmail(email)).
		UpdateColumns(map[string]interface{}{"banned": true, "ban_expires_at": until}).Error
}

// Unban clears the ban flag and expiry.
func (s *Service) Unban(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", NormalizeEmail(email)).
		UpdateColumns(map[string]interface{}{"banned": false, "ban_expires_at": nil}).Error
}

// GenerateToken returns 32 bytes of hex, the opaque session token format.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func displayNameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
