package sync

import (
	gosync "sync"

	"github.com/privchat/privchat-sdk/internal/repository"
)

// PtsManager 频道pts管理
// 内存缓存覆盖在channel.last_pts之上；缓存未命中回源数据库
type PtsManager struct {
	channelRepo *repository.ChannelRepository

	mu    gosync.RWMutex
	cache map[uint64]uint64
}

// NewPtsManager 创建pts管理器
func NewPtsManager(channelRepo *repository.ChannelRepository) *PtsManager {
	return &PtsManager{
		channelRepo: channelRepo,
		cache:       make(map[uint64]uint64),
	}
}

// LocalPts 频道本地pts
func (m *PtsManager) LocalPts(channelID uint64) (uint64, error) {
	m.mu.RLock()
	pts, ok := m.cache[channelID]
	m.mu.RUnlock()
	if ok {
		return pts, nil
	}

	pts, err := m.channelRepo.GetLastPts(channelID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.cache[channelID] = pts
	m.mu.Unlock()
	return pts, nil
}

// Advance 推进本地pts，仅允许增大
func (m *PtsManager) Advance(channelID uint64, pts uint64) error {
	if err := m.channelRepo.AdvanceLastPts(channelID, pts); err != nil {
		return err
	}
	m.mu.Lock()
	if pts > m.cache[channelID] {
		m.cache[channelID] = pts
	}
	m.mu.Unlock()
	return nil
}

// HasGap 服务端pts是否越过本地连续位置
func (m *PtsManager) HasGap(channelID, serverPts uint64) (bool, error) {
	local, err := m.LocalPts(channelID)
	if err != nil {
		return false, err
	}
	return serverPts > local+1, nil
}

// Invalidate 失效缓存（频道被外部改写后）
func (m *PtsManager) Invalidate(channelID uint64) {
	m.mu.Lock()
	delete(m.cache, channelID)
	m.mu.Unlock()
}
