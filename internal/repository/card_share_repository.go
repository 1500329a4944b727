package repository

import (
	"buylist_backend/internal/model"
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CardShareRepository 用户 -> 卡片的共享边。变更记在用户文档的 cards 子路径上。
type CardShareRepository struct {
	DB *gorm.DB
}

func NewCardShareRepository(db *gorm.DB) *CardShareRepository {
	return &CardShareRepository{DB: db}
}

func (r *CardShareRepository) WithTx(tx *gorm.DB) *CardShareRepository {
	return &CardShareRepository{DB: tx}
}

// Upsert 每张卡片每个用户只有一条边，已存在则改角色
func (r *CardShareRepository) Upsert(ctx context.Context, share *model.CardShare) error {
	return inTx(ctx, r.DB, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "card_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).Create(share).Error
		if err != nil {
			return err
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, share.UserID, model.CardSharePath(share.CardID))
	})
}

func (r *CardShareRepository) Remove(ctx context.Context, userID, cardID string) (bool, error) {
	n, err := r.RemoveMany(ctx, userID, []string{cardID})
	return n > 0, err
}

// RemoveMany 一条语句删除用户的多条共享边
func (r *CardShareRepository) RemoveMany(ctx context.Context, userID string, cardIDs []string) (int64, error) {
	if len(cardIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND card_id IN ?", userID, cardIDs).Delete(&model.CardShare{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		if removed == 0 {
			return nil
		}
		paths := make([]string, 0, len(cardIDs))
		for _, id := range cardIDs {
			paths = append(paths, model.CardSharePath(id))
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, userID, paths...)
	})
	return removed, err
}

// RemoveAllForCard 删除卡片的全部共享边，返回受影响的用户
func (r *CardShareRepository) RemoveAllForCard(ctx context.Context, cardID string) ([]string, error) {
	var userIDs []string
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		if err := tx.Model(&model.CardShare{}).Where("card_id = ?", cardID).Order("user_id").Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		if err := tx.Where("card_id = ?", cardID).Delete(&model.CardShare{}).Error; err != nil {
			return err
		}
		for _, uid := range userIDs {
			if err := recordChange(tx, model.CollectionUsers, model.OpUpdate, uid, model.CardSharePath(cardID)); err != nil {
				return err
			}
		}
		return nil
	})
	return userIDs, err
}

func (r *CardShareRepository) ListForUser(ctx context.Context, userID string) ([]model.CardShare, error) {
	shares := []model.CardShare{}
	err := r.DB.WithContext(ctx).Where("user_id = ?", userID).Order("card_id").Find(&shares).Error
	return shares, err
}

func (r *CardShareRepository) Find(ctx context.Context, userID, cardID string) (*model.CardShare, error) {
	var share model.CardShare
	err := r.DB.WithContext(ctx).Where("user_id = ? AND card_id = ?", userID, cardID).First(&share).Error
	return &share, err
}

func (r *CardShareRepository) CountOwners(ctx context.Context, cardID string) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&model.CardShare{}).
		Where("card_id = ? AND role = ?", cardID, model.RoleOwner).
		Count(&n).Error
	return n, err
}
