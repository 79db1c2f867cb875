package repository

import (
	stderrors "errors"
	"time"

	"github.com/privchat/privchat-sdk/internal/model"
	"github.com/privchat/privchat-sdk/pkg/db"
	"github.com/privchat/privchat-sdk/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository 消息数据仓储
type MessageRepository struct {
	store *db.Store
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(store *db.Store) *MessageRepository {
	return &MessageRepository{store: store}
}

// Create 创建消息，回填本地ID
func (r *MessageRepository) Create(message *model.Message) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Create(message).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "create message", err)
	}
	return nil
}

// GetByID 根据本地ID获取消息
func (r *MessageRepository) GetByID(id uint64) (*model.Message, error) {
	var message model.Message
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.First(&message, id).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New(errors.KindDatabase, "message not found")
		}
		return nil, errors.Wrap(errors.KindDatabase, "query message", err)
	}
	return &message, nil
}

// GetByClientMsgNo 根据客户端消息编号获取消息
func (r *MessageRepository) GetByClientMsgNo(clientMsgNo string) (*model.Message, error) {
	var message model.Message
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("client_msg_no = ?", clientMsgNo).First(&message).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindDatabase, "query message by nonce", err)
	}
	return &message, nil
}

// GetByServerID 根据服务端消息ID获取消息
func (r *MessageRepository) GetByServerID(serverID uint64) (*model.Message, error) {
	var message model.Message
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("server_message_id = ?", serverID).First(&message).Error
	})
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindDatabase, "query message by server id", err)
	}
	return &message, nil
}

// GetChannelMessages 分页获取频道消息，按本地ID倒序
// beforeID 为0时从最新开始
func (r *MessageRepository) GetChannelMessages(channelID uint64, channelType uint8, beforeID uint64, limit int) ([]*model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var messages []*model.Message
	err := r.store.Exec(func(tx *gorm.DB) error {
		q := tx.Where("channel_id = ? AND channel_type = ?", channelID, channelType)
		if beforeID > 0 {
			q = q.Where("id < ?", beforeID)
		}
		return q.Order("id DESC").Limit(limit).Find(&messages).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "query channel messages", err)
	}
	return messages, nil
}

// SearchByKeyword 本地搜索
func (r *MessageRepository) SearchByKeyword(keyword string, limit int) ([]*model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var messages []*model.Message
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Where("searchable_word LIKE ?", "%"+keyword+"%").
			Order("id DESC").Limit(limit).Find(&messages).Error
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindDatabase, "search messages", err)
	}
	return messages, nil
}

// UpdateStatus 更新消息状态
func (r *MessageRepository) UpdateStatus(id uint64, status model.MessageStatus) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Message{}).Where("id = ?", id).
			Update("status", int32(status)).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "update message status", err)
	}
	return nil
}

// MarkSent 发送确认：写入服务端ID、时间戳与pts并置为已发送
func (r *MessageRepository) MarkSent(id, serverMessageID uint64, timestamp int64, pts uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
			"server_message_id": serverMessageID,
			"timestamp":         timestamp,
			"pts":               pts,
			"status":            int32(model.StatusSent),
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "mark message sent", err)
	}
	return nil
}

// UpsertByServerID 同步落库：按服务端消息ID幂等插入
// 已存在的行仅更新pts与时间戳，内容与发送者不动
func (r *MessageRepository) UpsertByServerID(tx *gorm.DB, message *model.Message) error {
	var existing model.Message
	err := tx.Where("server_message_id = ?", message.ServerMessageID).First(&existing).Error
	if err == nil {
		message.ID = existing.ID
		return tx.Model(&model.Message{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"pts":       message.Pts,
			"timestamp": message.Timestamp,
		}).Error
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	// 本地发出的消息已有行（按nonce命中），补齐服务端字段
	if message.ClientMsgNo != "" {
		var local model.Message
		if err := tx.Where("client_msg_no = ?", message.ClientMsgNo).First(&local).Error; err == nil {
			message.ID = local.ID
			return tx.Model(&model.Message{}).Where("id = ?", local.ID).Updates(map[string]interface{}{
				"server_message_id": message.ServerMessageID,
				"pts":               message.Pts,
				"timestamp":         message.Timestamp,
				"status":            int32(model.StatusSent),
			}).Error
		}
	}
	return tx.Create(message).Error
}

// UpdateSearchableWord 更新本地搜索文本
func (r *MessageRepository) UpdateSearchableWord(id uint64, word string) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Message{}).Where("id = ?", id).
			Update("searchable_word", word).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "update searchable word", err)
	}
	return nil
}

// UpdateContent 编辑消息内容（仅显式Edit路径调用）
func (r *MessageRepository) UpdateContent(id uint64, content string) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
			"content":    content,
			"updated_at": time.Now().UnixMilli(),
		}).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "update message content", err)
	}
	return nil
}

// Delete 删除消息行（硬删除，供DeleteMessage与入队失败回滚使用）
func (r *MessageRepository) Delete(id uint64) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Delete(&model.Message{}, id).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "delete message", err)
	}
	return nil
}

// Upsert 直接写入或更新一条消息（事务外入口，转发到actor）
func (r *MessageRepository) Upsert(message *model.Message) error {
	err := r.store.Exec(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_msg_no"}},
			UpdateAll: true,
		}).Create(message).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindDatabase, "upsert message", err)
	}
	return nil
}
