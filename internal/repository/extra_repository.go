package repository

import (
	"time"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExtraRepository 消息扩展状态仓储（回应、提及、撤回/编辑标记、提醒）
type ExtraRepository struct {
	store *db.Store
}

// NewExtraRepository 创建ExtraRepository实例
func NewExtraRepository(store *db.Store) *ExtraRepository {
	return &ExtraRepository{store: store}
}

// GetMessageExtra 获取消息扩展状态
func (r *ExtraRepository) GetMessageExtra(messageID uint64) (*model.MessageExtra, error) {
	var extra model.MessageExtra
	var found bool
	err := r.store.Exec(func(tx *gorm.DB) error {
		result := tx.Where("message_id = ?", messageID).Limit(1).Find(&extra)
		found = result.RowsAffected > 0
		return result.Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "query message extra", err)
	}
	if !found {
		return nil, nil
	}
	return &extra, nil
}

// ApplyRevoke 标记消息撤回
// message_extra 行懒创建
func (r *ExtraRepository) ApplyRevoke(messageID, revokerUID uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"revoked", "revoker_uid", "updated_at"}),
		}).Create(&model.MessageExtra{
			MessageID:  messageID,
			Revoked:    true,
			RevokerUID: revokerUID,
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "apply revoke", err)
	}
	return nil
}

// ApplyEdit 标记消息已编辑并记录新内容
func (r *ExtraRepository) ApplyEdit(messageID uint64, content string) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"edited", "edited_content", "edited_at", "updated_at"}),
		}).Create(&model.MessageExtra{
			MessageID:     messageID,
			Edited:        true,
			EditedContent: content,
			EditedAt:      time.Now().UnixMilli(),
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "apply edit", err)
	}
	return nil
}

// UpdateReadCount 更新已读/送达计数（回执推送路径）
func (r *ExtraRepository) UpdateReadCount(messageID uint64, readCount, deliveredCount uint32) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"read_count", "delivered_count", "updated_at"}),
		}).Create(&model.MessageExtra{
			MessageID:      messageID,
			ReadCount:      readCount,
			DeliveredCount: deliveredCount,
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "update read count", err)
	}
	return nil
}

// ToggleReaction 添加/移除回应
// (message, uid, emoji) 至多一行，已存在时删除标记改写为传入的deleted
func (r *ExtraRepository) ToggleReaction(messageID, uid uint64, emoji string, channelID uint64, channelType uint8, deleted bool) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "uid"}, {Name: "emoji"}},
			DoUpdates: clause.AssignmentColumns([]string{"deleted", "updated_at"}),
		}).Create(&model.MessageReaction{
			MessageID:   messageID,
			UID:         uid,
			Emoji:       emoji,
			ChannelID:   channelID,
			ChannelType: channelType,
			Deleted:     deleted,
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "toggle reaction", err)
	}
	return nil
}

// ListReactions 消息的有效回应
func (r *ExtraRepository) ListReactions(messageID uint64) ([]*model.MessageReaction, error) {
	var reactions []*model.MessageReaction
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("message_id = ? AND deleted = ?", messageID, false).
			Find(&reactions).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list reactions", err)
	}
	return reactions, nil
}

// UpsertMention 消息落库时记录@提醒
func (r *ExtraRepository) UpsertMention(tx *gorm.DB, mention *model.Mention) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "uid"}},
		DoNothing: true,
	}).Create(mention).Error
}

// MarkMentionRead 标记@已读
func (r *ExtraRepository) MarkMentionRead(messageID, uid uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Mention{}).
			Where("message_id = ? AND uid = ?", messageID, uid).
			Update("is_read", true).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "mark mention read", err)
	}
	return nil
}

// UpsertReminder 提醒同步落库
func (r *ExtraRepository) UpsertReminder(tx *gorm.DB, reminder *model.Reminder) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "reminder_id"}},
		DoUpdates: clause.AssignmentColumns(
			[]string{"channel_id", "channel_type", "message_id", "reminder_type", "text", "done", "version", "updated_at"}),
	}).Create(reminder).Error
}

// ListReminders 频道待处理提醒
func (r *ExtraRepository) ListReminders(channelID uint64, channelType uint8) ([]*model.Reminder, error) {
	var reminders []*model.Reminder
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("channel_id = ? AND channel_type = ? AND done = ?", channelID, channelType, false).
			Order("created_at ASC").Find(&reminders).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "list reminders", err)
	}
	return reminders, nil
}

// MarkReminderDone 标记提醒已处理
func (r *ExtraRepository) MarkReminderDone(reminderID uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Reminder{}).Where("reminder_id = ?", reminderID).
			Update("done", true).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "mark reminder done", err)
	}
	return nil
}
