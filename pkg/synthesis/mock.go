package synthesis

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockClient 在本地模拟合成服务：每个任务先返回若干次 pending，随后 ready。
type MockClient struct {
	mu           sync.Mutex
	pendingPolls int
	polls        map[string]int
}

// NewMockClient 创建模拟客户端。
func NewMockClient(pendingPolls int) *MockClient {
	return &MockClient{pendingPolls: pendingPolls, polls: make(map[string]int)}
}

func (m *MockClient) Submit(ctx context.Context, payload Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "mock-" + uuid.NewString()
	m.polls[id] = 0
	return id, nil
}

func (m *MockClient) Status(ctx context.Context, jobID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.polls[jobID]
	if !ok {
		return Status{State: StateError, ErrorDetail: "unknown task"}, nil
	}
	m.polls[jobID] = n + 1
	if n < m.pendingPolls {
		return Status{State: StatePending}, nil
	}
	return Status{State: StateReady, AssetRef: fmt.Sprintf("generated/%s.mp4", jobID)}, nil
}
