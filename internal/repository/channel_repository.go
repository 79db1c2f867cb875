package repository

import (
	stderrors "errors"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelRepository 频道数据仓储
type ChannelRepository struct {
	store *db.Store
}

// NewChannelRepository 创建ChannelRepository实例
func NewChannelRepository(store *db.Store) *ChannelRepository {
	return &ChannelRepository{store: store}
}

// GetByID 获取频道
func (r *ChannelRepository) GetByID(channelID uint64) (*model.Channel, error) {
	var channel model.Channel
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("channel_id = ?", channelID).First(&channel).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindDatabase, "query channel", err)
	}
	return &channel, nil
}

// EnsureExists 首次交互自动建档
// 已存在时返回现有行
func (r *ChannelRepository) EnsureExists(channelID uint64, channelType uint8) (*model.Channel, error) {
	channel, err := r.GetByID(channelID)
	if err != nil {
		return nil, err
	}
	if channel != nil {
		return channel, nil
	}

	channel = &model.Channel{ChannelID: channelID, ChannelType: channelType}
	err = r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(channel).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "create channel", err)
	}
	return channel, nil
}

// List 频道列表，置顶优先、最近活跃在前
func (r *ChannelRepository) List(includeHidden bool) ([]*model.Channel, error) {
	var channels []*model.Channel
	err := r.store.Exec(func(tx *gorm.DB) error {
		q := tx.Model(&model.Channel{})
		if !includeHidden {
			q = q.Where("hidden = ?", false)
		}
		return q.Order("pinned DESC, updated_at DESC").Find(&channels).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list channels", err)
	}
	return channels, nil
}

// GetLastPts 读取频道本地pts
// 频道不存在视为0
func (r *ChannelRepository) GetLastPts(channelID uint64) (uint64, error) {
	channel, err := r.GetByID(channelID)
	if err != nil {
		return 0, err
	}
	if channel == nil {
		return 0, nil
	}
	return channel.LastPts, nil
}

// AdvanceLastPts 推进频道pts，仅允许增大
func (r *ChannelRepository) AdvanceLastPts(channelID uint64, pts uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Channel{}).
			Where("channel_id = ? AND last_pts < ?", channelID, pts).
			Update("last_pts", pts).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "advance channel pts", err)
	}
	return nil
}

// UpdateLastMessage 更新最后一条消息指针
func (r *ChannelRepository) UpdateLastMessage(channelID, localMessageID uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Channel{}).Where("channel_id = ?", channelID).
			Update("last_message_id", localMessageID).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "update channel last message", err)
	}
	return nil
}

// BumpUnread 未读数加一
func (r *ChannelRepository) BumpUnread(channelID uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Channel{}).Where("channel_id = ?", channelID).
			Update("unread_count", gorm.Expr("unread_count + 1")).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "bump unread count", err)
	}
	return nil
}

// ResetUnread 清零未读数
func (r *ChannelRepository) ResetUnread(channelID uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Channel{}).Where("channel_id = ?", channelID).
			Update("unread_count", 0).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "reset unread count", err)
	}
	return nil
}

// SetFlag 设置显示开关（mute/pinned/hidden）
func (r *ChannelRepository) SetFlag(channelID uint64, column string, value bool) error {
	switch column {
	case "mute", "pinned", "hidden":
	default:
		return errors.InvalidParameter("column", "unknown channel flag: "+column)
	}
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Channel{}).Where("channel_id = ?", channelID).
			Update(column, value).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "set channel flag", err)
	}
	return nil
}

// Upsert 实体同步落库
func (r *ChannelRepository) Upsert(tx *gorm.DB, channel *model.Channel) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"channel_type", "name", "avatar", "version", "updated_at"}),
	}).Create(channel).Error
}

// UpsertMember 频道成员同步落库
func (r *ChannelRepository) UpsertMember(tx *gorm.DB, member *model.ChannelMember) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}, {Name: "channel_type"}, {Name: "uid"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"role", "status", "version", "updated_at"}),
	}).Create(member).Error
}

// ListMembers 频道成员列表（不含已退出）
func (r *ChannelRepository) ListMembers(channelID uint64, channelType uint8) ([]*model.ChannelMember, error) {
	var members []*model.ChannelMember
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("channel_id = ? AND channel_type = ? AND status = 0", channelID, channelType).
			Find(&members).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list channel members", err)
	}
	return members, nil
}

// SaveDraft 保存频道草稿
func (r *ChannelRepository) SaveDraft(channelID uint64, channelType uint8, draft string) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "channel_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"draft", "updated_at"}),
		}).Create(&model.ChannelExtra{
			ChannelID:   channelID,
			ChannelType: channelType,
			Draft:       draft,
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "save channel draft", err)
	}
	return nil
}
