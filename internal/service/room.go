package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// defaultTariffName is used when a room is created without naming one.
const defaultTariffName = "standard"

// StartGrant is the result of a successful start request: what the client
// needs to open the signaling WebSocket.
type StartGrant struct {
	Ticket     string
	Resumption string
}

// RoomService owns room lifecycle and ticket issuing. It also serves as the
// signaling runner's RoomInfoSource.
type RoomService struct {
	rooms     repository.RoomRepository
	tariffs   repository.TariffRepository
	tickets   *signaling.TicketStore
	storage   signaling.Storage
	ticketTTL time.Duration
	log       *logrus.Entry
}

func NewRoomService(
	rooms repository.RoomRepository,
	tariffs repository.TariffRepository,
	tickets *signaling.TicketStore,
	storage signaling.Storage,
	ticketTTL time.Duration,
	logger *logrus.Logger,
) *RoomService {
	if rooms == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if tariffs == nil {
		panic("TariffRepository cannot be nil for RoomService")
	}
	if tickets == nil {
		panic("TicketStore cannot be nil for RoomService")
	}
	if storage == nil {
		panic("Storage cannot be nil for RoomService")
	}
	if ticketTTL <= 0 {
		ticketTTL = 5 * time.Minute
	}
	return &RoomService{
		rooms:     rooms,
		tariffs:   tariffs,
		tickets:   tickets,
		storage:   storage,
		ticketTTL: ticketTTL,
		log:       logger.WithField("component", "room_service"),
	}
}

// CreateRoom creates a room owned by the given user.
func (s *RoomService) CreateRoom(ctx context.Context, creator domain.UserID, password, tariffName string) (*domain.Room, error) {
	logCtx := s.log.WithField("creator", creator)
	if tariffName == "" {
		tariffName = defaultTariffName
	}
	tariff, err := s.tariffs.FindByName(ctx, tariffName)
	if err != nil {
		if errors.Is(err, repository.ErrTariffNotFound) {
			logCtx.WithField("tariff", tariffName).Warn("unknown tariff on room creation")
			return nil, ErrInternalServer
		}
		logCtx.WithError(err).Error("failed to look up tariff")
		return nil, ErrInternalServer
	}

	room := &domain.Room{
		ID:         domain.NewRoomID(),
		CreatorID:  creator,
		TariffID:   tariff.ID,
		LastActive: time.Now(),
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			logCtx.WithError(err).Error("failed to hash room password")
			return nil, ErrInternalServer
		}
		room.Password = string(hash)
	}
	if err := s.rooms.Save(ctx, room); err != nil {
		logCtx.WithError(err).Error("failed to save new room")
		return nil, ErrInternalServer
	}
	logCtx.WithField("room", room.ID).Info("room created")
	return room, nil
}

// GetRoom loads a room record.
func (s *RoomService) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := s.rooms.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		s.log.WithError(err).Error("failed to load room")
		return nil, ErrInternalServer
	}
	return room, nil
}

// CloseRoom marks a room closed. Only the creator may close it.
func (s *RoomService) CloseRoom(ctx context.Context, user domain.UserID, id domain.RoomID) error {
	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	if room.CreatorID != user {
		return ErrNotRoomOwner
	}
	if err := s.rooms.MarkClosed(ctx, id); err != nil {
		s.log.WithError(err).Error("failed to close room")
		return ErrInternalServer
	}
	s.log.WithField("room", id).Info("room closed")
	return nil
}

// Start verifies an authenticated user may enter the room and issues the
// signaling ticket.
func (s *RoomService) Start(ctx context.Context, user *domain.User, id domain.RoomID, password string, breakout domain.BreakoutRoomID) (StartGrant, error) {
	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return StartGrant{}, err
	}
	if room.Closed {
		return StartGrant{}, ErrRoomClosed
	}
	if room.Password != "" && room.CreatorID != user.ID {
		if bcrypt.CompareHashAndPassword([]byte(room.Password), []byte(password)) != nil {
			return StartGrant{}, ErrWrongPassword
		}
	}
	banned, err := s.storage.InSet(ctx, signaling.BanKey(id), string(user.ID))
	if err != nil {
		s.log.WithError(err).Error("failed to check ban list")
		return StartGrant{}, ErrInternalServer
	}
	if banned {
		return StartGrant{}, ErrBanned
	}

	role := domain.RoleUser
	if room.CreatorID == user.ID {
		role = domain.RoleModerator
	}
	return s.issue(ctx, room, signaling.TicketData{
		Room:        id,
		Breakout:    breakout,
		User:        user.ID,
		Role:        role,
		DisplayName: user.DisplayName,
	})
}

// StartInvited issues a guest ticket after the invite service verified the
// code.
func (s *RoomService) StartInvited(ctx context.Context, id domain.RoomID, displayName string) (StartGrant, error) {
	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return StartGrant{}, err
	}
	if room.Closed {
		return StartGrant{}, ErrRoomClosed
	}
	if displayName == "" {
		displayName = "Guest"
	}
	return s.issue(ctx, room, signaling.TicketData{
		Room:        id,
		Role:        domain.RoleGuest,
		DisplayName: displayName,
	})
}

func (s *RoomService) issue(ctx context.Context, room *domain.Room, data signaling.TicketData) (StartGrant, error) {
	ticket, data, err := s.tickets.Issue(ctx, data, s.ticketTTL)
	if err != nil {
		s.log.WithError(err).Error("failed to issue ticket")
		return StartGrant{}, ErrInternalServer
	}
	if err := s.rooms.TouchLastActive(ctx, room.ID, time.Now()); err != nil {
		s.log.WithError(err).Warn("failed to bump room activity")
	}
	return StartGrant{Ticket: ticket, Resumption: data.Resumption}, nil
}

// RoomInfo implements signaling.RoomInfoSource for the runner.
func (s *RoomService) RoomInfo(ctx context.Context, id domain.RoomID) (signaling.RoomInfo, error) {
	room, err := s.rooms.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return signaling.RoomInfo{}, signaling.ErrInvalidTicket
		}
		return signaling.RoomInfo{}, err
	}
	info := signaling.RoomInfo{Closed: room.Closed}
	if room.TariffID != "" {
		tariff, err := s.tariffs.FindByID(ctx, room.TariffID)
		if err != nil && !errors.Is(err, repository.ErrTariffNotFound) {
			return signaling.RoomInfo{}, err
		}
		if tariff != nil {
			info.Tariff = tariff
			info.Features = tariff.FeatureSet()
		}
	}
	return info, nil
}
