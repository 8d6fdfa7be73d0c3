package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"mydouble-go/internal/model"
)

// Repositories 聚合全部仓储，便于按驱动整体替换。
type Repositories struct {
	Users    UserRepository
	Credits  CreditRepository
	Jobs     JobRepository
	Assets   AssetRepository
	Messages MessageRepository
}

// NewMemoryRepositories 返回进程内实现，供测试与单机开发使用。
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Users:    NewMemoryUserRepository(),
		Credits:  NewMemoryCreditRepository(),
		Jobs:     NewMemoryJobRepository(),
		Assets:   NewMemoryAssetRepository(),
		Messages: NewMemoryMessageRepository(),
	}
}

// ---- users ----

type memoryUserRepository struct {
	mu     sync.RWMutex
	nextID uint
	users  []*model.User
}

func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepository{nextID: 1}
}

func (r *memoryUserRepository) Create(ctx context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username || u.AccountID == user.AccountID {
			return ErrDuplicate
		}
	}
	user.ID = r.nextID
	r.nextID++
	user.CreatedAt = time.Now()
	cp := *user
	r.users = append(r.users, &cp)
	return nil
}

func (r *memoryUserRepository) find(pred func(*model.User) bool) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if pred(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryUserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Username == username })
}

func (r *memoryUserRepository) FindByAccountID(ctx context.Context, accountID string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.AccountID == accountID })
}

func (r *memoryUserRepository) FindWithPagination(ctx context.Context, offset, limit int) ([]model.User, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := int64(len(r.users))
	out := []model.User{}
	for i := offset; i < len(r.users) && len(out) < limit; i++ {
		out = append(out, *r.users[i])
	}
	return out, total, nil
}

// ---- credits ----

type memoryCreditRepository struct {
	mu       sync.Mutex
	nextID   uint
	accounts map[string]*model.CreditAccount
	txs      []model.CreditTransaction
	holds    map[holdKey]*model.CreditHold
}

type holdKey struct {
	accountID string
	causeRef  string
}

func NewMemoryCreditRepository() CreditRepository {
	return &memoryCreditRepository{
		nextID:   1,
		accounts: make(map[string]*model.CreditAccount),
		holds:    make(map[holdKey]*model.CreditHold),
	}
}

func (r *memoryCreditRepository) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountID]; ok {
		return false, nil
	}
	now := time.Now()
	r.accounts[accountID] = &model.CreditAccount{AccountID: accountID, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (r *memoryCreditRepository) GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (r *memoryCreditRepository) ListAccounts(ctx context.Context, offset, limit int) ([]model.CreditAccount, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []model.CreditAccount{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *r.accounts[ids[i]])
	}
	return out, int64(len(ids)), nil
}

func (r *memoryCreditRepository) ApplyTransaction(ctx context.Context, entry *model.CreditTransaction, opts ApplyOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[entry.AccountID]
	if !ok {
		return ErrNotFound
	}
	for _, t := range r.txs {
		if t.AccountID == entry.AccountID && t.Reason == entry.Reason && t.CauseRef == entry.CauseRef {
			return ErrDuplicateTransaction
		}
	}
	next := acct.Balance + entry.Amount
	if next < 0 {
		return ErrNegativeBalance
	}
	entry.ID = r.nextID
	r.nextID++
	entry.BalanceBefore = acct.Balance
	entry.BalanceAfter = next
	entry.CreatedAt = time.Now()
	r.txs = append(r.txs, *entry)

	if opts.Mutate != nil {
		opts.Mutate(acct)
	}
	acct.Balance = next
	acct.UpdatedAt = entry.CreatedAt
	if opts.ReleaseHold != "" {
		delete(r.holds, holdKey{entry.AccountID, opts.ReleaseHold})
	}
	return nil
}

func (r *memoryCreditRepository) FindTransaction(ctx context.Context, accountID string, reason model.TransactionReason, causeRef string) (*model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.txs {
		if t.AccountID == accountID && t.Reason == reason && t.CauseRef == causeRef {
			cp := t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryCreditRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.CreditTransaction{}
	for i := len(r.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.txs[i].AccountID == accountID {
			out = append(out, r.txs[i])
		}
	}
	return out, nil
}

func (r *memoryCreditRepository) SumTransactions(ctx context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, t := range r.txs {
		if t.AccountID == accountID {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (r *memoryCreditRepository) CreateHold(ctx context.Context, hold *model.CreditHold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := holdKey{hold.AccountID, hold.CauseRef}
	if _, ok := r.holds[key]; ok {
		return ErrDuplicate
	}
	hold.ID = r.nextID
	r.nextID++
	hold.CreatedAt = time.Now()
	cp := *hold
	r.holds[key] = &cp
	return nil
}

func (r *memoryCreditRepository) FindHold(ctx context.Context, accountID, causeRef string) (*model.CreditHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[holdKey{accountID, causeRef}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (r *memoryCreditRepository) DeleteHold(ctx context.Context, accountID, causeRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.holds, holdKey{accountID, causeRef})
	return nil
}

func (r *memoryCreditRepository) SumActiveHolds(ctx context.Context, accountID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := 0
	for _, h := range r.holds {
		if h.AccountID == accountID && !h.Expired(now) {
			sum += h.Amount
		}
	}
	return sum, nil
}

// ---- jobs ----

type memoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*model.GenerationJob
}

func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{jobs: make(map[string]*model.GenerationJob)}
}

func (r *memoryJobRepository) Create(ctx context.Context, job *model.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	for _, j := range r.jobs {
		if j.AccountID == job.AccountID && j.RequestID == job.RequestID {
			return ErrDuplicate
		}
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memoryJobRepository) Get(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memoryJobRepository) Save(ctx context.Context, job *model.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	cp.UpdatedAt = time.Now()
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memoryJobRepository) list(pred func(*model.GenerationJob) bool) []model.GenerationJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []model.GenerationJob{}
	for _, j := range r.jobs {
		if pred(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RequestedAt.Before(out[k].RequestedAt) })
	return out
}

func (r *memoryJobRepository) ListActive(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error) {
	return r.list(func(j *model.GenerationJob) bool {
		return j.AccountID == accountID && j.ConversationID == conversationID && !j.Status.IsTerminal()
	}), nil
}

func (r *memoryJobRepository) ListByConversation(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error) {
	return r.list(func(j *model.GenerationJob) bool {
		return j.AccountID == accountID && j.ConversationID == conversationID
	}), nil
}

func (r *memoryJobRepository) ListUnrefunded(ctx context.Context, accountID string) ([]model.GenerationJob, error) {
	return r.list(func(j *model.GenerationJob) bool {
		failed := j.Status == model.JobFailed || j.Status == model.JobTimedOut
		return failed && j.Charged && !j.Refunded && (accountID == "" || j.AccountID == accountID)
	}), nil
}

func (r *memoryJobRepository) Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.AccountID == fromAccount {
			j.AccountID = toAccount
			n++
		}
	}
	return n, nil
}

// ---- assets ----

type memoryAssetRepository struct {
	mu     sync.RWMutex
	assets map[string]*model.Asset
}

func NewMemoryAssetRepository() AssetRepository {
	return &memoryAssetRepository{assets: make(map[string]*model.Asset)}
}

func (r *memoryAssetRepository) Create(ctx context.Context, asset *model.Asset) (*model.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assets {
		if a.JobID == asset.JobID {
			cp := *a
			return &cp, nil
		}
	}
	cp := *asset
	cp.CreatedAt = time.Now()
	r.assets[asset.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memoryAssetRepository) Get(ctx context.Context, assetID string) (*model.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[assetID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memoryAssetRepository) GetByJob(ctx context.Context, jobID string) (*model.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.assets {
		if a.JobID == jobID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryAssetRepository) MarkUnlocked(ctx context.Context, assetID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[assetID]
	if !ok {
		return false, ErrNotFound
	}
	if a.Unlocked {
		return false, nil
	}
	a.Unlocked = true
	a.UnlockedAt = &at
	return true, nil
}

func (r *memoryAssetRepository) Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.assets {
		if a.AccountID == fromAccount {
			a.AccountID = toAccount
			n++
		}
	}
	return n, nil
}

// ---- remote messages ----

type memoryMessage struct {
	accountID      string
	conversationID string
	msg            model.Message
}

// MemoryMessageRepository 是进程内的远端存储实现，可注入故障用于测试。
type MemoryMessageRepository struct {
	mu         sync.Mutex
	messages   []*memoryMessage
	migrations map[string]model.MigrationRecord
	// FailAppends 大于 0 时接下来的若干次追加返回 ErrUnavailable。
	FailAppends int
	// FailLists 大于 0 时接下来的若干次读取返回 ErrUnavailable。
	FailLists int
}

// ErrUnavailable 模拟远端存储不可用。
var ErrUnavailable = errUnavailable{}

type errUnavailable struct{}

func (errUnavailable) Error() string { return "remote store unavailable" }

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{migrations: make(map[string]model.MigrationRecord)}
}

func (r *MemoryMessageRepository) ListMessages(ctx context.Context, accountID, conversationID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailLists > 0 {
		r.FailLists--
		return nil, ErrUnavailable
	}
	out := []model.Message{}
	for _, m := range r.messages {
		if m.accountID == accountID && m.conversationID == conversationID {
			out = append(out, m.msg.Clone())
		}
	}
	return out, nil
}

func (r *MemoryMessageRepository) AppendMessage(ctx context.Context, accountID, conversationID string, msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAppends > 0 {
		r.FailAppends--
		return ErrUnavailable
	}
	for _, m := range r.messages {
		if m.msg.ID == msg.ID {
			return nil
		}
	}
	r.messages = append(r.messages, &memoryMessage{accountID: accountID, conversationID: conversationID, msg: msg.Clone()})
	return nil
}

func (r *MemoryMessageRepository) PatchMessage(ctx context.Context, accountID, messageID string, patch model.MessagePatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.msg.ID == messageID && m.accountID == accountID {
			patch.Apply(&m.msg)
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryMessageRepository) HasMigration(ctx context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.migrations[token]
	return ok, nil
}

func (r *MemoryMessageRepository) RecordMigration(ctx context.Context, rec *model.MigrationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.migrations[rec.Token]; !ok {
		r.migrations[rec.Token] = *rec
	}
	return nil
}

// Count 返回某会话在远端的消息数量。
func (r *MemoryMessageRepository) Count(accountID, conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.accountID == accountID && m.conversationID == conversationID {
			n++
		}
	}
	return n
}
