package repository

import (
	"buylist_backend/internal/model"
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FriendshipRepository 好友边与好友请求。好友边的对称性由服务层在事务里维护。
type FriendshipRepository struct {
	DB *gorm.DB
}

func NewFriendshipRepository(db *gorm.DB) *FriendshipRepository {
	return &FriendshipRepository{DB: db}
}

func (r *FriendshipRepository) WithTx(tx *gorm.DB) *FriendshipRepository {
	return &FriendshipRepository{DB: tx}
}

// AddFriendEdge 不存在时插入 owner -> friend，返回是否插入
func (r *FriendshipRepository) AddFriendEdge(ctx context.Context, ownerID, friendID, friendName string) (bool, error) {
	var added bool
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		edge := &model.FriendEdge{OwnerID: ownerID, FriendID: friendID, FriendName: friendName}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(edge)
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected > 0
		if !added {
			return nil
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, ownerID, model.FieldFriends)
	})
	return added, err
}

// RemoveFriendEdge 删除 owner -> friend，返回是否存在
func (r *FriendshipRepository) RemoveFriendEdge(ctx context.Context, ownerID, friendID string) (bool, error) {
	n, err := r.RemoveFriendEdges(ctx, ownerID, []string{friendID})
	return n > 0, err
}

// RemoveFriendEdges 一条语句删除 owner 名下的多条好友边，只记录一次变更
func (r *FriendshipRepository) RemoveFriendEdges(ctx context.Context, ownerID string, friendIDs []string) (int64, error) {
	if len(friendIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		res := tx.Where("owner_id = ? AND friend_id IN ?", ownerID, friendIDs).Delete(&model.FriendEdge{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		if removed == 0 {
			return nil
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, ownerID, model.FieldFriends)
	})
	return removed, err
}

// ExistingFriendIDs 返回 candidates 中确实是 owner 好友的 id
func (r *FriendshipRepository) ExistingFriendIDs(ctx context.Context, ownerID string, candidates []string) ([]string, error) {
	var ids []string
	if len(candidates) == 0 {
		return ids, nil
	}
	err := r.DB.WithContext(ctx).Model(&model.FriendEdge{}).
		Where("owner_id = ? AND friend_id IN ?", ownerID, candidates).
		Order("created_at ASC, friend_id ASC").
		Pluck("friend_id", &ids).Error
	return ids, err
}

func (r *FriendshipRepository) GetFriends(ctx context.Context, ownerID string) ([]model.FriendEdge, error) {
	friends := []model.FriendEdge{}
	err := r.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, friend_id ASC").
		Find(&friends).Error
	return friends, err
}

func (r *FriendshipRepository) IsFriend(ctx context.Context, ownerID, friendID string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.FriendEdge{}).
		Where("owner_id = ? AND friend_id = ?", ownerID, friendID).
		Count(&count).Error
	return count > 0, err
}

// CreateRequest 每个 (owner, kind, from) 至多一条待处理请求，返回是否新建
func (r *FriendshipRepository) CreateRequest(ctx context.Context, req *model.UserRequest) (bool, error) {
	if req.ID == "" {
		req.ID = model.GenerateUUID()
	}
	var created bool
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(req)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		if !created {
			return nil
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, req.OwnerID, model.FieldRequests)
	})
	return created, err
}

// DeleteRequest 消费一条待处理请求，返回是否存在
func (r *FriendshipRepository) DeleteRequest(ctx context.Context, ownerID, fromUserID string, kind model.RequestKind) (bool, error) {
	var deleted bool
	err := inTx(ctx, r.DB, func(tx *gorm.DB) error {
		res := tx.Where("owner_id = ? AND from_user_id = ? AND kind = ?", ownerID, fromUserID, kind).
			Delete(&model.UserRequest{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		if !deleted {
			return nil
		}
		return recordChange(tx, model.CollectionUsers, model.OpUpdate, ownerID, model.FieldRequests)
	})
	return deleted, err
}

func (r *FriendshipRepository) GetRequests(ctx context.Context, ownerID string, kind model.RequestKind) ([]model.RequestView, error) {
	reqs := []model.RequestView{}
	err := r.DB.WithContext(ctx).Table("user_requests").
		Select("user_requests.id, user_requests.kind, user_requests.from_user_id, users.name AS from_user_name, user_requests.text, user_requests.created_at").
		Joins("LEFT JOIN users ON users.id = user_requests.from_user_id").
		Where("user_requests.owner_id = ? AND user_requests.kind = ?", ownerID, kind).
		Order("user_requests.created_at ASC, user_requests.id ASC").
		Scan(&reqs).Error
	return reqs, err
}

// FindAsymmetricEdges 查找对端缺失的好友边
func (r *FriendshipRepository) FindAsymmetricEdges(ctx context.Context, limit int) ([]model.AsymmetricEdge, error) {
	var edges []model.AsymmetricEdge
	err := r.DB.WithContext(ctx).Table("friend_edges AS e").
		Select("e.owner_id, e.friend_id").
		Joins("LEFT JOIN friend_edges AS r ON r.owner_id = e.friend_id AND r.friend_id = e.owner_id").
		Where("r.owner_id IS NULL").
		Order("e.owner_id, e.friend_id").
		Limit(limit).
		Scan(&edges).Error
	return edges, err
}
