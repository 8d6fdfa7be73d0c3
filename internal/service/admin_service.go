package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/log"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint      `json:"userId"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	AccountID string    `json:"accountId"`
	Balance   int       `json:"balance"`
	Status    int       `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// GrantRequest 描述一次管理员入账。Plan 非空时按套餐的月度额度补充。
type GrantRequest struct {
	Amount      int    `json:"amount"`
	Reason      string `json:"reason"`
	Plan        string `json:"plan"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListUsers(ctx context.Context, page, size int) (*UserListResponse, error)
	GrantCredits(ctx context.Context, accountID string, req GrantRequest) (*model.CreditTransaction, error)
	Audit(ctx context.Context, accountID string) (*AuditReport, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo repository.UserRepository
	ledger   CreditLedger
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, ledger CreditLedger) AdminService {
	return &adminService{userRepo: userRepo, ledger: ledger}
}

// ListUsers 分页列出用户及其余额。
func (s *adminService) ListUsers(ctx context.Context, page, size int) (*UserListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(ctx, offset, size)
	if err != nil {
		return nil, err
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		balance, err := s.ledger.Balance(ctx, u.AccountID)
		if err != nil {
			log.Warnf("[AdminService] 读取账户 %s 余额失败: %v", u.AccountID, err)
		}
		// 转换角色为状态码
		status := 1
		if u.Role == model.RoleAdmin {
			status = 0
		}
		userResponses = append(userResponses, UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Role:      u.Role,
			AccountID: u.AccountID,
			Balance:   balance,
			Status:    status,
			CreatedAt: u.CreatedAt,
		})
	}

	totalPages := 0
	if total > 0 {
		totalPages = (int(total) + size - 1) / size
	}
	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

// GrantCredits 为账户入账，按 Reference 幂等（例如支付订单号）。
func (s *adminService) GrantCredits(ctx context.Context, accountID string, req GrantRequest) (*model.CreditTransaction, error) {
	if model.IsGuestAccount(accountID) {
		return nil, fmt.Errorf("%w: guest accounts cannot hold credits", ErrInvalidRequest)
	}
	if _, err := s.userRepo.FindByAccountID(ctx, accountID); err != nil {
		return nil, err
	}

	reason := model.TransactionReason(strings.ToLower(req.Reason))
	amount := req.Amount
	description := req.Description
	if req.Plan != "" {
		plan, ok := model.LookupPlan(req.Plan)
		if !ok {
			return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidRequest, req.Plan)
		}
		reason = model.ReasonSubscriptionRefill
		amount = plan.MonthlyCredits
		if description == "" {
			description = fmt.Sprintf("%s 套餐月度积分", plan.Name)
		}
	}
	if reason == "" {
		reason = model.ReasonPurchase
	}
	if !reason.IsGrant() {
		return nil, fmt.Errorf("%w: reason %q", ErrInvalidRequest, req.Reason)
	}

	entry, err := s.ledger.Grant(ctx, accountID, amount, reason, req.Reference, description)
	if err != nil {
		return nil, err
	}
	log.Infow("credits granted", "account", accountID, "amount", amount, "reason", reason, "reference", req.Reference)
	return entry, nil
}

func (s *adminService) Audit(ctx context.Context, accountID string) (*AuditReport, error) {
	return s.ledger.Audit(ctx, accountID)
}
