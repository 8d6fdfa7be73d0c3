package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
	"mydouble-go/pkg/storage"
)

// UnlockResult 是一次成功解锁的结果。
type UnlockResult struct {
	Asset   *model.Asset `json:"asset"`
	Charged int          `json:"charged"`
	Balance int          `json:"balance"`
}

// UnlockGate 管理资源的锁定状态。每个资源最多扣费一次。
type UnlockGate interface {
	IsUnlocked(ctx context.Context, assetID string) (bool, error)
	Unlock(ctx context.Context, accountID, assetID string) (*UnlockResult, error)
	ResolveContent(ctx context.Context, accountID, assetID string) (string, error)
	Get(ctx context.Context, accountID, assetID string) (*model.Asset, error)
}

type unlockGate struct {
	assets repository.AssetRepository
	ledger CreditLedger
	locker keylock.Locker
	signer storage.ContentSigner
	now    func() time.Time
}

// NewUnlockGate 创建一个新的 UnlockGate 实例。
func NewUnlockGate(assets repository.AssetRepository, ledger CreditLedger, locker keylock.Locker, signer storage.ContentSigner) UnlockGate {
	return &unlockGate{assets: assets, ledger: ledger, locker: locker, signer: signer, now: time.Now}
}

func unlockCause(assetID string) string {
	return "unlock:" + assetID
}

func (g *unlockGate) load(ctx context.Context, accountID, assetID string) (*model.Asset, error) {
	asset, err := g.assets.Get(ctx, assetID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	if asset.AccountID != accountID {
		return nil, ErrForbidden
	}
	return asset, nil
}

func (g *unlockGate) Get(ctx context.Context, accountID, assetID string) (*model.Asset, error) {
	return g.load(ctx, accountID, assetID)
}

func (g *unlockGate) IsUnlocked(ctx context.Context, assetID string) (bool, error) {
	asset, err := g.assets.Get(ctx, assetID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, ErrAssetNotFound
	}
	if err != nil {
		return false, err
	}
	return asset.Unlocked || asset.UnlockPrice == 0, nil
}

// Unlock 扣除解锁价格并将资源标记为已解锁。
// 同一资源的并发请求串行执行，只有第一个会扣费，其余返回 ErrAlreadyUnlocked。
func (g *unlockGate) Unlock(ctx context.Context, accountID, assetID string) (res *UnlockResult, err error) {
	defer func() { metrics.Unlocks.WithLabelValues(string(Classify(err))).Inc() }()

	unlock, err := g.locker.Lock(ctx, "asset:"+assetID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	asset, err := g.load(ctx, accountID, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Unlocked {
		return nil, ErrAlreadyUnlocked
	}

	charged := 0
	if asset.UnlockPrice > 0 {
		cause := unlockCause(assetID)
		_, err := g.ledger.CheckAndReserve(ctx, accountID, asset.UnlockPrice, cause)
		if errors.Is(err, ErrReservationInFlight) {
			// 资源锁已串行化同一资源的解锁，残留的预占来自中断的上一次尝试
			log.Warnf("[UnlockGate] 资源 %s 存在残留预占，释放后重新预占", assetID)
			if err = g.ledger.Release(ctx, accountID, cause); err != nil {
				return nil, err
			}
			_, err = g.ledger.CheckAndReserve(ctx, accountID, asset.UnlockPrice, cause)
		}
		switch {
		case errors.Is(err, ErrAlreadyCharged):
			// 上一次扣费成功但标记失败，直接补标记
			log.Warnf("[UnlockGate] 资源 %s 已扣费但未标记解锁，继续标记", assetID)
		case err != nil:
			return nil, err
		default:
			if _, err := g.ledger.Deduct(ctx, accountID, asset.UnlockPrice, cause, fmt.Sprintf("解锁资源 %s", assetID)); err != nil {
				if releaseErr := g.ledger.Release(ctx, accountID, cause); releaseErr != nil {
					log.Error("释放解锁预占失败", releaseErr)
				}
				return nil, err
			}
			charged = asset.UnlockPrice
		}
	}

	now := g.now()
	if _, err := g.assets.MarkUnlocked(ctx, assetID, now); err != nil {
		return nil, fmt.Errorf("mark asset unlocked: %w", err)
	}
	asset.Unlocked = true
	asset.UnlockedAt = &now

	balance, err := g.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	log.Infow("asset unlocked", "account", accountID, "asset", assetID, "charged", charged, "balance", balance)
	return &UnlockResult{Asset: asset, Charged: charged, Balance: balance}, nil
}

// ResolveContent 返回资源内容的访问地址，只有已解锁（或免费）的资源可以取得。
func (g *unlockGate) ResolveContent(ctx context.Context, accountID, assetID string) (string, error) {
	asset, err := g.load(ctx, accountID, assetID)
	if err != nil {
		return "", err
	}
	if !asset.Unlocked && asset.UnlockPrice > 0 {
		return "", ErrAssetLocked
	}
	return g.signer.SignedURL(ctx, asset.ContentRef)
}
