package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenStore = (*TokenRepo)(nil)

// TokenRepo is the SQLite implementation of driven.TokenStore. Access and
// refresh tokens are encrypted with AES-256-GCM before write and decrypted after read.
type TokenRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil disables the store.
	now func() time.Time
}

// NewTokenRepo creates a TokenRepo. key must be 32 bytes, or nil in which case
// every operation returns driven.ErrEncryptionKeyNotSet.
func NewTokenRepo(db *DB, key []byte) *TokenRepo {
	return &TokenRepo{db: db, key: key, now: time.Now}
}

// Save deactivates previously active tokens and inserts tok as active, in one transaction.
func (r *TokenRepo) Save(ctx context.Context, tok model.Token) (model.Token, error) {
	access, err := r.encrypt(tok.AccessToken)
	if err != nil {
		return model.Token{}, err
	}
	refresh, err := r.encrypt(tok.RefreshToken)
	if err != nil {
		return model.Token{}, err
	}

	if tok.TokenType == "" {
		tok.TokenType = model.DefaultTokenType
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = r.now().UTC()
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = tok.CreatedAt.Add(model.DefaultTokenExpiresIn)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return model.Token{}, fmt.Errorf("begin save token: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE amocrm_tokens SET active = 0 WHERE active = 1`); err != nil {
		return model.Token{}, fmt.Errorf("deactivate tokens: %w", err)
	}

	const query = `
		INSERT INTO amocrm_tokens (access_token, refresh_token, token_type, expires_at, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`
	res, err := tx.ExecContext(ctx, query, access, refresh, tok.TokenType, formatTime(tok.ExpiresAt), formatTime(tok.CreatedAt))
	if err != nil {
		return model.Token{}, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Token{}, fmt.Errorf("commit save token: %w", err)
	}

	tok.ID, _ = res.LastInsertId()
	tok.Active = true
	return tok, nil
}

// Active returns the currently active token or driven.ErrNoToken.
func (r *TokenRepo) Active(ctx context.Context) (*model.Token, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `
		SELECT id, access_token, refresh_token, token_type, expires_at, created_at
		FROM amocrm_tokens WHERE active = 1 ORDER BY id DESC LIMIT 1`

	var (
		tok                model.Token
		access, refresh    string
		expiresAt, created string
	)
	err := r.db.Reader.QueryRowContext(ctx, query).Scan(&tok.ID, &access, &refresh, &tok.TokenType, &expiresAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("get active token: %w", err)
	}

	if tok.AccessToken, err = r.decrypt(access); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = r.decrypt(refresh); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if tok.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if tok.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	tok.Active = true

	return &tok, nil
}

// DeactivateAll marks every token inactive. Used after a revoke.
func (r *TokenRepo) DeactivateAll(ctx context.Context) error {
	if _, err := r.db.Writer.ExecContext(ctx, `UPDATE amocrm_tokens SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("deactivate tokens: %w", err)
	}
	return nil
}

// encrypt returns base64(nonce || ciphertext || tag).
func (r *TokenRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (r *TokenRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}

	return string(plaintext), nil
}

func (r *TokenRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
