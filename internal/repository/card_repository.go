package repository

import (
	"buylist_backend/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

type CardRepository struct {
	DB *gorm.DB
}

func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{DB: db}
}

func (r *CardRepository) WithTx(tx *gorm.DB) *CardRepository {
	return &CardRepository{DB: tx}
}

func (r *CardRepository) Create(ctx context.Context, card *model.Card) error {
	return inTx(ctx, r.DB, func(tx *gorm.DB) error {
		if err := tx.Create(card).Error; err != nil {
			return err
		}
		return recordChange(tx, model.CollectionCards, model.OpInsert, card.ID)
	})
}

func (r *CardRepository) FindByID(ctx context.Context, id string) (*model.Card, error) {
	var card model.Card
	err := r.DB.WithContext(ctx).First(&card, "id = ?", id).Error
	return &card, err
}

func (r *CardRepository) FindByIDs(ctx context.Context, ids []string) ([]model.Card, error) {
	cards := []model.Card{}
	if len(ids) == 0 {
		return cards, nil
	}
	err := r.DB.WithContext(ctx).Where("id IN ?", ids).Order("created_at ASC, id ASC").Find(&cards).Error
	return cards, err
}

// Update 整体替换可编辑字段，调用方负责确认卡片存在
func (r *CardRepository) Update(ctx context.Context, card *model.Card) error {
	return inTx(ctx, r.DB, func(tx *gorm.DB) error {
		err := tx.Model(&model.Card{}).Where("id = ?", card.ID).Updates(map[string]interface{}{
			"name":       card.Name,
			"notes":      card.Notes,
			"products":   card.Products,
			"is_done":    card.IsDone,
			"updated_at": time.Now(),
		}).Error
		if err != nil {
			return err
		}
		return recordChange(tx, model.CollectionCards, model.OpUpdate, card.ID, "name", "notes", "products", "isDone")
	})
}

func (r *CardRepository) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Card{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		if !deleted {
			return nil
		}
		return recordChange(tx, model.CollectionCards, model.OpDelete, id)
	})
	return deleted, err
}
