package service

import (
	"buylist_backend/internal/model"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/logger"
	"buylist_backend/pkg/monitoring"
	"buylist_backend/pkg/tracing"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	invitationTimeout = 5 * time.Second
	repairBatchSize   = 500
)

// MembershipService 维护好友图与卡片共享边的一致性。
// 好友边在两个用户名下各存一条，所有跨文档写入都在同一事务中完成。
type MembershipService struct {
	DB          *gorm.DB
	UserRepo    *repository.UserRepository
	FriendRepo  *repository.FriendshipRepository
	ShareRepo   *repository.CardShareRepository
	Invitations InvitationSender
}

func NewMembershipService(db *gorm.DB, userRepo *repository.UserRepository, friendRepo *repository.FriendshipRepository,
	shareRepo *repository.CardShareRepository, invitations InvitationSender) *MembershipService {
	return &MembershipService{
		DB:          db,
		UserRepo:    userRepo,
		FriendRepo:  friendRepo,
		ShareRepo:   shareRepo,
		Invitations: invitations,
	}
}

// InviteResult invite 的结果：要么向已注册用户发了好友请求，要么发出了邀请
type InviteResult struct {
	Invited     bool   `json:"invited"`
	RequestSent bool   `json:"requestSent"`
	TargetID    string `json:"targetId,omitempty"`
}

// UnfriendResult 解除好友后被移除的好友及卡片共享边
type UnfriendResult struct {
	RemovedUserIDs     []string            `json:"removedUserIds"`
	TargetCardsRemoved map[string][]string `json:"targetCardsRemoved"`
	OwnerCardsRemoved  []string            `json:"ownerCardsRemoved"`
}

func (s *MembershipService) Invite(ctx context.Context, email, fromUserID, text string) (*InviteResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || fromUserID == "" {
		return nil, util.NewValidation("email and sender are required")
	}

	target, err := s.UserRepo.FindByEmail(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.sendInvitation(email, fromUserID, text)
		return &InviteResult{Invited: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.Request(ctx, target.ID, fromUserID, text); err != nil {
		return nil, err
	}
	return &InviteResult{RequestSent: true, TargetID: target.ID}, nil
}

func (s *MembershipService) sendInvitation(email, fromUserID, text string) {
	if s.Invitations == nil {
		logger.Log.Info("Invitation skipped, no sender configured", zap.String("email", email), zap.String("from", fromUserID))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invitationTimeout)
		defer cancel()
		if err := s.Invitations.Send(ctx, email, fromUserID, text); err != nil {
			logger.Log.Warn("Invitation delivery failed", zap.String("email", email), zap.String("from", fromUserID), zap.Error(err))
		}
	}()
}

// Request 在目标用户名下追加好友请求；重复请求是无副作用的成功，返回 false
func (s *MembershipService) Request(ctx context.Context, targetID, fromUserID, text string) (created bool, err error) {
	ctx, span := tracing.Start(ctx, "membership.request", attribute.String("target", targetID), attribute.String("from", fromUserID))
	defer func() { err = s.finish(span, "request", err) }()

	if targetID == "" || fromUserID == "" {
		return false, util.NewValidation("target and sender are required")
	}
	if targetID == fromUserID {
		return false, util.NewValidation("cannot send a friend request to yourself")
	}
	if err := s.ensureUser(ctx, s.UserRepo, targetID); err != nil {
		return false, err
	}
	isFriend, err := s.FriendRepo.IsFriend(ctx, targetID, fromUserID)
	if err != nil {
		return false, err
	}
	if isFriend {
		return false, util.NewValidation("users are already friends")
	}

	return s.FriendRepo.CreateRequest(ctx, &model.UserRequest{
		OwnerID:    targetID,
		Kind:       model.RequestBecomeFriend,
		FromUserID: fromUserID,
		Text:       strings.TrimSpace(text),
	})
}

// Approve 消费请求并创建双向好友边，三步同事务
func (s *MembershipService) Approve(ctx context.Context, fromUserID, ownerID string) (err error) {
	ctx, span := tracing.Start(ctx, "membership.approve", attribute.String("owner", ownerID), attribute.String("from", fromUserID))
	defer func() { err = s.finish(span, "approve", err) }()

	if fromUserID == "" || ownerID == "" {
		return util.NewValidation("requester and owner are required")
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		friends := s.FriendRepo.WithTx(tx)
		users := s.UserRepo.WithTx(tx)

		consumed, err := friends.DeleteRequest(ctx, ownerID, fromUserID, model.RequestBecomeFriend)
		if err != nil {
			return err
		}
		if !consumed {
			return util.NewNotFound("friend request not found")
		}

		from, err := users.FindByID(ctx, fromUserID)
		if err != nil {
			return notFoundOr(err, "requesting user no longer exists")
		}
		owner, err := users.FindByID(ctx, ownerID)
		if err != nil {
			return notFoundOr(err, "user not found")
		}

		if _, err := friends.AddFriendEdge(ctx, ownerID, fromUserID, from.Name); err != nil {
			return err
		}
		if _, err := friends.AddFriendEdge(ctx, fromUserID, ownerID, owner.Name); err != nil {
			return err
		}

		// 对方也发过请求时一并消费，避免留下已是好友的待处理请求
		_, err = friends.DeleteRequest(ctx, fromUserID, ownerID, model.RequestBecomeFriend)
		return err
	})
}

// Decline 只删除请求，不动好友边
func (s *MembershipService) Decline(ctx context.Context, fromUserID, ownerID string) (err error) {
	ctx, span := tracing.Start(ctx, "membership.decline", attribute.String("owner", ownerID), attribute.String("from", fromUserID))
	defer func() { err = s.finish(span, "decline", err) }()

	if fromUserID == "" || ownerID == "" {
		return util.NewValidation("requester and owner are required")
	}

	consumed, err := s.FriendRepo.DeleteRequest(ctx, ownerID, fromUserID, model.RequestBecomeFriend)
	if err != nil {
		return err
	}
	if !consumed {
		return util.NewNotFound("friend request not found")
	}
	return nil
}

// Unfriend 删除双向好友边，并收回双方在共同卡片上的买家权限（拥有者权限保留）
func (s *MembershipService) Unfriend(ctx context.Context, targetID, ownerID string) (res *UnfriendResult, err error) {
	ctx, span := tracing.Start(ctx, "membership.unfriend", attribute.String("owner", ownerID), attribute.String("target", targetID))
	defer func() { err = s.finish(span, "unfriend", err) }()

	if targetID == "" || ownerID == "" {
		return nil, util.NewValidation("target and owner are required")
	}
	if targetID == ownerID {
		return nil, util.NewValidation("cannot unfriend yourself")
	}

	res = newUnfriendResult()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		friends := s.FriendRepo.WithTx(tx)
		shares := s.ShareRepo.WithTx(tx)

		removed, err := friends.RemoveFriendEdge(ctx, ownerID, targetID)
		if err != nil {
			return err
		}
		if !removed {
			return util.NewNotFound("user is not a friend")
		}

		ownerShares, err := shareRoles(ctx, shares, ownerID)
		if err != nil {
			return err
		}
		ownerDrop, err := s.unfriendTarget(ctx, friends, shares, ownerID, targetID, ownerShares, res)
		if err != nil {
			return err
		}
		if _, err := shares.RemoveMany(ctx, ownerID, ownerDrop); err != nil {
			return err
		}
		res.OwnerCardsRemoved = ownerDrop
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UnfriendMany 批量解除好友。owner 侧的好友边与共享边各用一条语句删除，
// 目标侧逐个处理；一个好友都没删掉时整个调用失败。
func (s *MembershipService) UnfriendMany(ctx context.Context, targetIDs []string, ownerID string) (res *UnfriendResult, err error) {
	ctx, span := tracing.Start(ctx, "membership.unfriend_many", attribute.String("owner", ownerID), attribute.Int("targets", len(targetIDs)))
	defer func() { err = s.finish(span, "unfriend_many", err) }()

	if ownerID == "" {
		return nil, util.NewValidation("owner is required")
	}
	targets := dedupeIDs(targetIDs, ownerID)
	if len(targets) == 0 {
		return nil, util.NewValidation("user list is empty")
	}

	res = newUnfriendResult()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		friends := s.FriendRepo.WithTx(tx)
		shares := s.ShareRepo.WithTx(tx)

		existing, err := friends.ExistingFriendIDs(ctx, ownerID, targets)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return util.NewNotFound("none of the users is a friend")
		}
		removed, err := friends.RemoveFriendEdges(ctx, ownerID, existing)
		if err != nil {
			return err
		}
		// 读取与删除之间有边被并发删除，整体回滚让调用方重试
		if removed != int64(len(existing)) {
			return util.TryAgain(fmt.Errorf("friend edges changed concurrently: expected %d, removed %d", len(existing), removed))
		}

		ownerShares, err := shareRoles(ctx, shares, ownerID)
		if err != nil {
			return err
		}
		ownerDropSet := make(map[string]struct{})
		for _, targetID := range existing {
			ownerDrop, err := s.unfriendTarget(ctx, friends, shares, ownerID, targetID, ownerShares, res)
			if err != nil {
				return err
			}
			for _, id := range ownerDrop {
				ownerDropSet[id] = struct{}{}
			}
		}

		ownerDrop := sortedKeys(ownerDropSet)
		if _, err := shares.RemoveMany(ctx, ownerID, ownerDrop); err != nil {
			return err
		}
		res.OwnerCardsRemoved = ownerDrop
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// unfriendTarget 删除 target -> owner 的反向边并处理 target 侧的共享边，
// 返回 owner 需要被移除的卡片（由调用方合并删除）
func (s *MembershipService) unfriendTarget(ctx context.Context, friends *repository.FriendshipRepository, shares *repository.CardShareRepository,
	ownerID, targetID string, ownerShares map[string]model.UserRole, res *UnfriendResult) ([]string, error) {
	reverse, err := friends.RemoveFriendEdge(ctx, targetID, ownerID)
	if err != nil {
		return nil, err
	}
	if !reverse {
		logger.Log.Warn("Asymmetric friend edge healed on unfriend", zap.String("owner", ownerID), zap.String("target", targetID))
	}

	targetShares, err := shareRoles(ctx, shares, targetID)
	if err != nil {
		return nil, err
	}
	targetDrop, ownerDrop := mutualBuyerCards(ownerShares, targetShares)
	if _, err := shares.RemoveMany(ctx, targetID, targetDrop); err != nil {
		return nil, err
	}

	res.RemovedUserIDs = append(res.RemovedUserIDs, targetID)
	res.TargetCardsRemoved[targetID] = targetDrop
	return ownerDrop, nil
}

// mutualBuyerCards 对双方都持有的卡片，分别找出以买家身份持有、需要收回的卡片
func mutualBuyerCards(owner, target map[string]model.UserRole) (targetDrop, ownerDrop []string) {
	targetDrop = []string{}
	ownerDrop = []string{}
	for _, cardID := range sortedKeys(target) {
		ownerRole, mutual := owner[cardID]
		if !mutual {
			continue
		}
		if target[cardID] == model.RoleBuyer {
			targetDrop = append(targetDrop, cardID)
		}
		if ownerRole == model.RoleBuyer {
			ownerDrop = append(ownerDrop, cardID)
		}
	}
	return targetDrop, ownerDrop
}

func (s *MembershipService) ListFriends(ctx context.Context, ownerID string) ([]model.FriendEdge, error) {
	return s.FriendRepo.GetFriends(ctx, ownerID)
}

func (s *MembershipService) ListRequests(ctx context.Context, ownerID string) ([]model.RequestView, error) {
	return s.FriendRepo.GetRequests(ctx, ownerID, model.RequestBecomeFriend)
}

func (s *MembershipService) GetUser(ctx context.Context, id string) (*model.UserSummary, error) {
	if id == "" {
		return nil, util.NewValidation("user id is required")
	}
	user, err := s.UserRepo.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("user with id %s does not exist", id))
	}
	summary := user.Summary()
	return &summary, nil
}

// RepairFriendEdges 删除对端缺失的单向好友边。好友边只由事务化的 approve 成对创建，
// 单向边只可能来自中断的删除，所以补全删除而不是补建。
func (s *MembershipService) RepairFriendEdges(ctx context.Context) (int, error) {
	edges, err := s.FriendRepo.FindAsymmetricEdges(ctx, repairBatchSize)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, e := range edges {
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			friends := s.FriendRepo.WithTx(tx)
			// 扫描之后对端边可能已被补上
			reverseExists, err := friends.IsFriend(ctx, e.FriendID, e.OwnerID)
			if err != nil || reverseExists {
				return err
			}
			removed, err := friends.RemoveFriendEdge(ctx, e.OwnerID, e.FriendID)
			if err == nil && removed {
				repaired++
				logger.Log.Info("Removed one-sided friend edge", zap.String("owner", e.OwnerID), zap.String("friend", e.FriendID))
			}
			return err
		})
		if err != nil {
			return repaired, err
		}
	}
	return repaired, nil
}

// finish 统一处理指标、span 与错误分类：未分类的存储错误一律视为可重试的一致性失败
func (s *MembershipService) finish(span trace.Span, op string, err error) error {
	defer span.End()
	if err != nil && util.KindOf(err) == 0 {
		logger.Log.Error("Membership operation rolled back", zap.String("op", op), zap.Error(err))
		err = util.TryAgain(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	monitoring.ObserveOp(op, err)
	return err
}

func (s *MembershipService) ensureUser(ctx context.Context, users *repository.UserRepository, id string) error {
	if _, err := users.FindByID(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.NewValidation(fmt.Sprintf("user with id %s does not exist", id))
		}
		return err
	}
	return nil
}

func newUnfriendResult() *UnfriendResult {
	return &UnfriendResult{
		RemovedUserIDs:     []string{},
		TargetCardsRemoved: map[string][]string{},
		OwnerCardsRemoved:  []string{},
	}
}

func shareRoles(ctx context.Context, shares *repository.CardShareRepository, userID string) (map[string]model.UserRole, error) {
	list, err := shares.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make(map[string]model.UserRole, len(list))
	for _, sh := range list {
		roles[sh.CardID] = sh.Role
	}
	return roles, nil
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.NewNotFound(msg)
	}
	return err
}

func dedupeIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
