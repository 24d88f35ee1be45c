package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellar/go-stellar-sdk/keypair"
	"gorm.io/gorm"

	"stellar-mm/offer"
)

// ErrUserExists 公钥已注册。
var ErrUserExists = errors.New("user already exists")

const (
	metaSaltKey  = "seal_salt"
	metaCheckKey = "seal_check"
	checkValue   = "stellar-mm"
)

type userRow struct {
	ID         uint   `gorm:"primaryKey"`
	Username   string `gorm:"size:64;not null"`
	PublicKey  string `gorm:"uniqueIndex;size:56;not null"`
	SealedSeed []byte `gorm:"not null"`
	CreatedAt  time.Time
}

func (userRow) TableName() string { return "users" }

type metaRow struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value []byte
}

func (metaRow) TableName() string { return "meta" }

// User 对外可见的用户信息，不含种子。
type User struct {
	Username  string    `json:"username"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStore 保存用户与加密后的签名种子。明文种子只在 ResolveCredential 返回后短暂存在。
type UserStore struct {
	db     *gorm.DB
	sealer *Sealer
}

// NewUserStore 首次使用时生成盐并写入校验值；之后用校验值确认主密钥一致。
func NewUserStore(db *gorm.DB, masterKey string) (*UserStore, error) {
	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(masterKey, salt)
	if err != nil {
		return nil, err
	}
	if err := verifyMasterKey(db, sealer); err != nil {
		return nil, err
	}
	return &UserStore{db: db, sealer: sealer}, nil
}

func loadOrCreateSalt(db *gorm.DB) ([]byte, error) {
	var m metaRow
	err := db.Where("name = ?", metaSaltKey).First(&m).Error
	if err == nil {
		return m.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	if err := db.Create(&metaRow{Name: metaSaltKey, Value: salt}).Error; err != nil {
		return nil, fmt.Errorf("store salt: %w", err)
	}
	return salt, nil
}

func verifyMasterKey(db *gorm.DB, s *Sealer) error {
	var m metaRow
	err := db.Where("name = ?", metaCheckKey).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sealed, err := s.Seal([]byte(checkValue), []byte(metaCheckKey))
		if err != nil {
			return err
		}
		return db.Create(&metaRow{Name: metaCheckKey, Value: sealed}).Error
	}
	if err != nil {
		return err
	}
	plain, err := s.Open(m.Value, []byte(metaCheckKey))
	if err != nil || string(plain) != checkValue {
		return ErrWrongMasterKey
	}
	return nil
}

// CreateUser 校验公钥与种子匹配后加密保存。
func (u *UserStore) CreateUser(ctx context.Context, username, publicKey, secret string) (User, error) {
	username = strings.TrimSpace(username)
	publicKey = strings.TrimSpace(publicKey)
	if username == "" {
		return User{}, fmt.Errorf("%w: username required", offer.ErrInvalidInput)
	}
	if _, err := keypair.ParseAddress(publicKey); err != nil {
		return User{}, fmt.Errorf("%w: invalid public key", offer.ErrInvalidInput)
	}
	full, err := keypair.ParseFull(strings.TrimSpace(secret))
	if err != nil {
		return User{}, fmt.Errorf("%w: invalid secret", offer.ErrInvalidInput)
	}
	if full.Address() != publicKey {
		return User{}, fmt.Errorf("%w: secret does not belong to public key", offer.ErrInvalidInput)
	}

	sealed, err := u.sealer.Seal([]byte(full.Seed()), []byte(publicKey))
	if err != nil {
		return User{}, err
	}
	row := userRow{Username: username, PublicKey: publicKey, SealedSeed: sealed}

	var n int64
	if err := u.db.WithContext(ctx).Model(&userRow{}).Where("public_key = ?", publicKey).Count(&n).Error; err != nil {
		return User{}, err
	}
	if n > 0 {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, publicKey)
	}
	if err := u.db.WithContext(ctx).Create(&row).Error; err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return User{Username: row.Username, PublicKey: row.PublicKey, CreatedAt: row.CreatedAt}, nil
}

// ResolveCredential 未注册的公钥返回 offer.ErrUnauthorizedUser。
func (u *UserStore) ResolveCredential(ctx context.Context, publicKey string) (offer.Credential, error) {
	var row userRow
	err := u.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return offer.Credential{}, fmt.Errorf("%w: %s", offer.ErrUnauthorizedUser, publicKey)
	}
	if err != nil {
		return offer.Credential{}, err
	}
	seed, err := u.sealer.Open(row.SealedSeed, []byte(row.PublicKey))
	if err != nil {
		return offer.Credential{}, fmt.Errorf("open credential for %s: %w", publicKey, err)
	}
	return offer.Credential{PublicKey: row.PublicKey, Seed: string(seed)}, nil
}

// Users 列出所有用户。
func (u *UserStore) Users(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := u.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, User{Username: r.Username, PublicKey: r.PublicKey, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
