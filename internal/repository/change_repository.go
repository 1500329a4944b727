package repository

import (
	"buylist_backend/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

// ChangeRepository 变更流 outbox。业务写入与变更记录在同一事务提交或回滚。
type ChangeRepository struct {
	DB *gorm.DB
}

func NewChangeRepository(db *gorm.DB) *ChangeRepository {
	return &ChangeRepository{DB: db}
}

// inTx 已处于事务中则直接执行，否则开启事务
func inTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if _, ok := db.Statement.ConnPool.(gorm.TxCommitter); ok {
		return fn(db.WithContext(ctx))
	}
	return db.WithContext(ctx).Transaction(fn)
}

func recordChange(tx *gorm.DB, collection, op, docID string, fields ...string) error {
	ev := &model.ChangeEvent{
		Collection:    collection,
		OperationType: op,
		DocumentID:    docID,
		Fields:        fields,
		Status:        model.ChangePending,
	}
	return tx.Create(ev).Error
}

func (r *ChangeRepository) Record(ctx context.Context, collection, op, docID string, fields ...string) error {
	return recordChange(r.DB.WithContext(ctx), collection, op, docID, fields...)
}

// LeaseBatch 按 id 顺序取出待投递事件
func (r *ChangeRepository) LeaseBatch(ctx context.Context, limit int) ([]model.ChangeEvent, error) {
	var events []model.ChangeEvent
	err := r.DB.WithContext(ctx).
		Where("status = ?", model.ChangePending).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *ChangeRepository) MarkDone(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Model(&model.ChangeEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": model.ChangeDone, "updated_at": time.Now()}).Error
}

func (r *ChangeRepository) MarkFailed(ctx context.Context, id uint64) error {
	return r.DB.WithContext(ctx).Model(&model.ChangeEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"attempts": gorm.Expr("attempts + 1"), "updated_at": time.Now()}).Error
}

// Prune 删除早于 before 的已投递事件
func (r *ChangeRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.ChangeDone, before).
		Delete(&model.ChangeEvent{})
	return res.RowsAffected, res.Error
}
