package service

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CardInput 创建/更新卡片时客户端提交的字段
type CardInput struct {
	Name     string          `json:"name"`
	Notes    string          `json:"notes"`
	Products []model.Product `json:"products"`
	IsDone   bool            `json:"isDone"`
}

type CardService struct {
	DB        *gorm.DB
	CardRepo  *repository.CardRepository
	ShareRepo *repository.CardShareRepository
	UserRepo  *repository.UserRepository
	Storage   *StorageService
}

func NewCardService(db *gorm.DB, cardRepo *repository.CardRepository, shareRepo *repository.CardShareRepository,
	userRepo *repository.UserRepository, storage *StorageService) *CardService {
	return &CardService{
		DB:        db,
		CardRepo:  cardRepo,
		ShareRepo: shareRepo,
		UserRepo:  userRepo,
		Storage:   storage,
	}
}

func (in *CardInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return util.NewValidation("card name is required")
	}
	if in.Products == nil {
		in.Products = []model.Product{}
	}
	model.AssignProductIDs(in.Products)
	return nil
}

// CreateCard 创建卡片并登记创建者为 OWNER，同一事务
func (s *CardService) CreateCard(ctx context.Context, ownerID string, in CardInput) (*model.CardView, error) {
	if ownerID == "" {
		return nil, util.NewValidation("owner is required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	card := &model.Card{
		Name:     in.Name,
		Notes:    in.Notes,
		Products: in.Products,
		IsDone:   in.IsDone,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.CardRepo.WithTx(tx).Create(ctx, card); err != nil {
			return err
		}
		return s.ShareRepo.WithTx(tx).Upsert(ctx, &model.CardShare{UserID: ownerID, CardID: card.ID, Role: model.RoleOwner})
	})
	if err != nil {
		return nil, util.TryAgain(err)
	}
	return &model.CardView{Card: *card, UserRole: model.RoleOwner}, nil
}

// GetCard 未共享给调用者的卡片按不存在处理
func (s *CardService) GetCard(ctx context.Context, callerID, cardID string) (*model.CardView, error) {
	share, err := s.requireShare(ctx, s.ShareRepo, callerID, cardID)
	if err != nil {
		return nil, err
	}
	card, err := s.CardRepo.FindByID(ctx, cardID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("card with id %s does not exist", cardID))
	}
	return &model.CardView{Card: *card, UserRole: share.Role}, nil
}

// UpdateCard 拥有者和买家都可以修改（买家需要勾选已购商品）
func (s *CardService) UpdateCard(ctx context.Context, callerID, cardID string, in CardInput) (*model.CardView, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var view *model.CardView
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cards := s.CardRepo.WithTx(tx)
		share, err := s.requireShare(ctx, s.ShareRepo.WithTx(tx), callerID, cardID)
		if err != nil {
			return err
		}
		card, err := cards.FindByID(ctx, cardID)
		if err != nil {
			return notFoundOr(err, fmt.Sprintf("card with id %s does not exist", cardID))
		}

		card.Name = in.Name
		card.Notes = in.Notes
		card.Products = in.Products
		card.IsDone = in.IsDone
		if err := cards.Update(ctx, card); err != nil {
			return err
		}
		view = &model.CardView{Card: *card, UserRole: share.Role}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return view, nil
}

// DeleteCard 只有拥有者可以删除；卡片和全部共享边一起删除
func (s *CardService) DeleteCard(ctx context.Context, callerID, cardID string) (*model.Card, error) {
	var deleted *model.Card
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shares := s.ShareRepo.WithTx(tx)
		cards := s.CardRepo.WithTx(tx)

		share, err := s.requireShare(ctx, shares, callerID, cardID)
		if err != nil {
			return err
		}
		if share.Role != model.RoleOwner {
			return util.NewForbidden("only the owner can delete a card")
		}
		card, err := cards.FindByID(ctx, cardID)
		if err != nil {
			return notFoundOr(err, fmt.Sprintf("card with id %s does not exist", cardID))
		}

		if _, err := shares.RemoveAllForCard(ctx, cardID); err != nil {
			return err
		}
		if _, err := cards.Delete(ctx, cardID); err != nil {
			return err
		}
		deleted = card
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	s.removePhotos(cardID, deleted.Products)
	return deleted, nil
}

// removePhotos 尽力删除卡片目录下的商品图片，失败只记日志
func (s *CardService) removePhotos(cardID string, products []model.Product) {
	if s.Storage == nil {
		return
	}
	prefix := s.Storage.GetURL(path.Join("products", cardID) + "/")
	var keys []string
	var walk func([]model.Product)
	walk = func(ps []model.Product) {
		for _, p := range ps {
			if p.Photo != nil && strings.HasPrefix(*p.Photo, prefix) {
				keys = append(keys, path.Join("products", cardID, strings.TrimPrefix(*p.Photo, prefix)))
			}
			walk(p.Alternatives)
		}
	}
	walk(products)

	for _, key := range keys {
		if err := s.Storage.Delete(context.Background(), key); err != nil {
			logger.Log.Warn("Failed to remove product photo", zap.String("cardId", cardID), zap.String("key", key), zap.Error(err))
		}
	}
}

// ShareCard 调用者必须持有卡片；只有拥有者可以授予 OWNER
func (s *CardService) ShareCard(ctx context.Context, callerID, cardID, targetID string, role model.UserRole) error {
	if targetID == "" {
		return util.NewValidation("target user is required")
	}
	if !role.Valid() {
		return util.NewValidation(fmt.Sprintf("unknown role %q", role))
	}
	if targetID == callerID {
		return util.NewValidation("cannot change your own role on a card")
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shares := s.ShareRepo.WithTx(tx)
		share, err := s.requireShare(ctx, shares, callerID, cardID)
		if err != nil {
			return err
		}
		if share.Role != model.RoleOwner {
			if role == model.RoleOwner {
				return util.NewForbidden("only the owner can grant ownership")
			}
			existing, err := shares.Find(ctx, targetID, cardID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err == nil && existing.Role == model.RoleOwner {
				return util.NewForbidden("only the owner can change another owner's role")
			}
		}
		if _, err := s.UserRepo.WithTx(tx).FindByID(ctx, targetID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.NewValidation(fmt.Sprintf("user with id %s does not exist", targetID))
			}
			return err
		}
		return shares.Upsert(ctx, &model.CardShare{UserID: targetID, CardID: cardID, Role: role})
	})
	return classify(err)
}

// UnshareCard 用户总能移除自己的共享边；移除他人的需要 OWNER
func (s *CardService) UnshareCard(ctx context.Context, callerID, cardID, userID string) error {
	if userID == "" {
		return util.NewValidation("user is required")
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		shares := s.ShareRepo.WithTx(tx)
		if userID != callerID {
			share, err := s.requireShare(ctx, shares, callerID, cardID)
			if err != nil {
				return err
			}
			if share.Role != model.RoleOwner {
				return util.NewForbidden("only the owner can remove other users from a card")
			}
		}

		target, err := shares.Find(ctx, userID, cardID)
		if err != nil {
			return notFoundOr(err, "card is not shared with the user")
		}
		// 卡片至少保留一个拥有者，最后的拥有者只能删除卡片
		if target.Role == model.RoleOwner {
			owners, err := shares.CountOwners(ctx, cardID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return util.NewValidation("the last owner cannot leave the card, delete it instead")
			}
		}
		removed, err := shares.Remove(ctx, userID, cardID)
		if err != nil {
			return err
		}
		if !removed {
			return util.NewNotFound("card is not shared with the user")
		}
		return nil
	})
	return classify(err)
}

// ListAccessibleCards 用户可访问的卡片，附带用户在每张卡片上的角色
func (s *CardService) ListAccessibleCards(ctx context.Context, userID string) ([]model.CardView, error) {
	shares, err := s.ShareRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(shares) == 0 {
		return []model.CardView{}, nil
	}

	roles := make(map[string]model.UserRole, len(shares))
	ids := make([]string, 0, len(shares))
	for _, sh := range shares {
		roles[sh.CardID] = sh.Role
		ids = append(ids, sh.CardID)
	}

	cards, err := s.CardRepo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]model.CardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, model.CardView{Card: c, UserRole: roles[c.ID]})
	}
	return views, nil
}

// UploadProductPhoto 保存商品图片并返回访问地址，客户端再通过 UpdateCard 写入 product.photo
func (s *CardService) UploadProductPhoto(ctx context.Context, callerID, cardID, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if _, err := s.requireShare(ctx, s.ShareRepo, callerID, cardID); err != nil {
		return "", err
	}
	if size <= 0 || size > util.MaxPhotoSize {
		return "", util.NewValidation(fmt.Sprintf("photo must be between 1 byte and %d bytes", util.MaxPhotoSize))
	}
	if !util.HasAllowedExtension(filename, util.AllowedImageExtensions) {
		return "", util.NewValidation("unsupported image extension")
	}
	if !util.IsImage(contentType) {
		return "", util.NewValidation("file is not an image")
	}

	key := path.Join("products", cardID, model.GenerateUUID()+strings.ToLower(filepath.Ext(filename)))
	url, err := s.Storage.Upload(ctx, key, reader, size, contentType)
	if err != nil {
		logger.Log.Error("Failed to store product photo", zap.String("cardId", cardID), zap.Error(err))
		return "", err
	}
	return url, nil
}

func (s *CardService) requireShare(ctx context.Context, shares *repository.CardShareRepository, userID, cardID string) (*model.CardShare, error) {
	if userID == "" || cardID == "" {
		return nil, util.NewValidation("user and card are required")
	}
	share, err := shares.Find(ctx, userID, cardID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("card with id %s does not exist", cardID))
	}
	return share, nil
}

// classify 事务内的未分类错误视为可重试的一致性失败
func classify(err error) error {
	if err != nil && util.KindOf(err) == 0 {
		return util.TryAgain(err)
	}
	return err
}
