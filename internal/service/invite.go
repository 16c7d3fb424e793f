package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
)

// InviteService manages guest invites. Codes are random secrets handed to
// the creator once; only their bcrypt hash hits the database.
type InviteService struct {
	invites repository.InviteRepository
	rooms   repository.RoomRepository
	log     *logrus.Entry
}

func NewInviteService(invites repository.InviteRepository, rooms repository.RoomRepository, logger *logrus.Logger) *InviteService {
	if invites == nil {
		panic("InviteRepository cannot be nil for InviteService")
	}
	if rooms == nil {
		panic("RoomRepository cannot be nil for InviteService")
	}
	return &InviteService{
		invites: invites,
		rooms:   rooms,
		log:     logger.WithField("component", "invite_service"),
	}
}

// CreateInvite mints an invite for a room the user owns and returns the
// invite together with its one-time-visible code.
func (s *InviteService) CreateInvite(ctx context.Context, user domain.UserID, room domain.RoomID, expiresAt time.Time, singleUse bool) (*domain.Invite, string, error) {
	roomRec, err := s.rooms.FindByID(ctx, room)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, "", ErrRoomNotFound
		}
		s.log.WithError(err).Error("failed to load room for invite")
		return nil, "", ErrInternalServer
	}
	if roomRec.CreatorID != user {
		return nil, "", ErrNotRoomOwner
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		s.log.WithError(err).Error("failed to generate invite code")
		return nil, "", ErrInternalServer
	}
	code := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		s.log.WithError(err).Error("failed to hash invite code")
		return nil, "", ErrInternalServer
	}

	invite := &domain.Invite{
		ID:        domain.NewInviteID(),
		RoomID:    room,
		CreatorID: user,
		CodeHash:  string(hash),
		ExpiresAt: expiresAt,
		SingleUse: singleUse,
	}
	if err := s.invites.Save(ctx, invite); err != nil {
		s.log.WithError(err).Error("failed to save invite")
		return nil, "", ErrInternalServer
	}
	s.log.WithFields(logrus.Fields{"invite": invite.ID, "room": room}).Info("invite created")
	return invite, code, nil
}

// Verify checks an invite code and returns the invite's room. Single-use
// invites are stamped used on success.
func (s *InviteService) Verify(ctx context.Context, id domain.InviteID, code string) (domain.RoomID, error) {
	invite, err := s.invites.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrInviteNotFound) {
			return "", ErrInvalidInviteCode
		}
		s.log.WithError(err).Error("failed to load invite")
		return "", ErrInternalServer
	}
	if !invite.Active(time.Now()) {
		return "", ErrInvalidInviteCode
	}
	if bcrypt.CompareHashAndPassword([]byte(invite.CodeHash), []byte(code)) != nil {
		return "", ErrInvalidInviteCode
	}
	if invite.SingleUse {
		if err := s.invites.MarkUsed(ctx, id, time.Now()); err != nil {
			s.log.WithError(err).Error("failed to mark invite used")
			return "", ErrInternalServer
		}
	}
	return invite.RoomID, nil
}
