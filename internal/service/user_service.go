package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/hash"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/token"
)

// AuthResult 是注册或登录成功后的结果。
type AuthResult struct {
	User         *model.User      `json:"user"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	Migration    *MigrationResult `json:"migration,omitempty"`
}

// Profile 是用户资料与余额。
type Profile struct {
	User    *model.User `json:"user"`
	Balance int         `json:"balance"`
}

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Register(ctx context.Context, username, password, guestID string) (*AuthResult, error)
	Login(ctx context.Context, username, password, guestID string) (*AuthResult, error)
	GetProfile(ctx context.Context, accountID string) (*Profile, error)
	FindByAccountID(ctx context.Context, accountID string) (*model.User, error)
	Logout(ctx context.Context, tokenString string) error
	IsRevoked(ctx context.Context, tokenString string) (bool, error)
	RefreshToken(ctx context.Context, refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	ledger     CreditLedger
	sync       *SyncReconciler
	jwtManager *token.JWTManager
	blacklist  token.Blacklist
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, ledger CreditLedger, sync *SyncReconciler, jwtManager *token.JWTManager, blacklist token.Blacklist) UserService {
	return &userService{
		userRepo:   userRepo,
		ledger:     ledger,
		sync:       sync,
		jwtManager: jwtManager,
		blacklist:  blacklist,
	}
}

// Register 处理用户注册：创建用户与积分账户（含注册奖励），并迁移匿名会话。
func (s *userService) Register(ctx context.Context, username, password, guestID string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 6 {
		return nil, fmt.Errorf("%w: username required and password must be at least 6 characters", ErrInvalidRequest)
	}

	// 1. 检查用户名是否已存在
	_, err := s.userRepo.FindByUsername(ctx, username)
	if err == nil {
		return nil, ErrUsernameTaken
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}

	// 3. 创建用户
	newUser := &model.User{
		Username:  username,
		Password:  hashedPassword,
		Role:      model.RoleUser,
		AccountID: "acc_" + uuid.NewString(),
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	// 4. 创建积分账户
	if _, err := s.ledger.EnsureAccount(ctx, newUser.AccountID); err != nil {
		log.Errorf("[UserService] 创建积分账户失败, username: %s, error: %v", username, err)
		return nil, fmt.Errorf("创建积分账户失败: %w", err)
	}

	return s.issue(ctx, newUser, guestID)
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(ctx context.Context, username, password, guestID string) (*AuthResult, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !hash.CheckPasswordHash(password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user, guestID)
}

// issue 迁移匿名数据并签发令牌。迁移失败不影响登录，下次登录会再次尝试。
func (s *userService) issue(ctx context.Context, user *model.User, guestID string) (*AuthResult, error) {
	res := &AuthResult{User: user}
	if guestID != "" && s.sync != nil {
		migration, err := s.sync.MigrateAnonymousData(ctx, guestID, user.AccountID)
		if err != nil {
			log.Errorf("[UserService] 迁移匿名数据失败, guest: %s, account: %s, error: %v", guestID, user.AccountID, err)
		} else {
			res.Migration = migration
		}
	}

	id := identity(user)
	var err error
	if res.AccessToken, err = s.jwtManager.GenerateToken(id); err != nil {
		return nil, err
	}
	if res.RefreshToken, err = s.jwtManager.GenerateRefreshToken(id); err != nil {
		return nil, err
	}
	return res, nil
}

func identity(user *model.User) token.Identity {
	return token.Identity{UserID: user.ID, Username: user.Username, Role: user.Role, AccountID: user.AccountID}
}

// GetProfile 返回用户资料与余额。
func (s *userService) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	user, err := s.userRepo.FindByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: user, Balance: balance}, nil
}

func (s *userService) FindByAccountID(ctx context.Context, accountID string) (*model.User, error) {
	return s.userRepo.FindByAccountID(ctx, accountID)
}

// Logout 处理用户登出逻辑，将 token 加入黑名单，过期时间为 token 的剩余有效期。
func (s *userService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	return s.blacklist.Add(ctx, tokenString, time.Until(claims.ExpiresAt.Time))
}

func (s *userService) IsRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.blacklist.Contains(ctx, tokenString)
}

// RefreshToken 验证 refresh token 并签发新的 access token 和 refresh token。
func (s *userService) RefreshToken(ctx context.Context, refreshTokenString string) (newAccessToken, newRefreshToken string, err error) {
	// 1. 验证 refresh token 是否有效
	claims, err := s.jwtManager.VerifyKind(refreshTokenString, token.KindRefresh)
	if err != nil {
		return "", "", ErrInvalidCredentials
	}
	if revoked, _ := s.blacklist.Contains(ctx, refreshTokenString); revoked {
		return "", "", ErrInvalidCredentials
	}

	// 2. 检查用户是否存在
	user, err := s.userRepo.FindByAccountID(ctx, claims.AccountID)
	if err != nil {
		return "", "", ErrInvalidCredentials
	}

	// 3. 签发新的 token
	id := identity(user)
	if newAccessToken, err = s.jwtManager.GenerateToken(id); err != nil {
		return "", "", err
	}
	if newRefreshToken, err = s.jwtManager.GenerateRefreshToken(id); err != nil {
		return "", "", err
	}
	return newAccessToken, newRefreshToken, nil
}
