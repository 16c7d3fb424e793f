package http_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	handlerhttp "github.com/opencloud-community/ot-controller-sub009/internal/handler/http"
	"github.com/opencloud-community/ot-controller-sub009/internal/middleware"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository/mocks"
	"github.com/opencloud-community/ot-controller-sub009/internal/service"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/signalingtest"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type handlerFixture struct {
	rooms   *mocks.RoomRepository
	tariffs *mocks.TariffRepository
	invites *mocks.InviteRepository
	handler *handlerhttp.RoomHandler
}

func newHandlerFixture() *handlerFixture {
	gin.SetMode(gin.TestMode)
	f := &handlerFixture{
		rooms:   new(mocks.RoomRepository),
		tariffs: new(mocks.TariffRepository),
		invites: new(mocks.InviteRepository),
	}
	storage := signalingtest.NewStorage()
	tickets := signaling.NewTicketStore(storage)
	logger := testLogger()
	roomSvc := service.NewRoomService(f.rooms, f.tariffs, tickets, storage, 5*time.Minute, logger)
	inviteSvc := service.NewInviteService(f.invites, f.rooms, logger)
	f.handler = handlerhttp.NewRoomHandler(roomSvc, inviteSvc, logger)
	return f
}

func testContext(t *testing.T, method, path, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(method, path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestRoomHandler_Create_Success(t *testing.T) {
	f := newHandlerFixture()
	tariff := &domain.Tariff{ID: "t1", Name: "standard", MaxParticipants: 10}
	f.tariffs.On("FindByName", mock.Anything, "standard").Return(tariff, nil).Once()
	f.rooms.On("Save", mock.Anything, mock.AnythingOfType("*domain.Room")).Return(nil).Once()

	c, w := testContext(t, "POST", "/v1/rooms", `{"password":"hunter2"}`)
	c.Set(middleware.ContextUserKey, &domain.User{ID: "u1", DisplayName: "Alice"})

	f.handler.Create(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"created_by":"u1"`)
	f.rooms.AssertExpectations(t)
}

func TestRoomHandler_Create_Unauthenticated(t *testing.T) {
	f := newHandlerFixture()

	c, w := testContext(t, "POST", "/v1/rooms", `{}`)
	f.handler.Create(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	f.rooms.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRoomHandler_Get_InvalidID(t *testing.T) {
	f := newHandlerFixture()

	c, w := testContext(t, "GET", "/v1/rooms/abc", "")
	c.Params = gin.Params{{Key: "room_id", Value: "abc"}}
	f.handler.Get(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomHandler_Start_IssuesTicket(t *testing.T) {
	f := newHandlerFixture()
	id := domain.NewRoomID()
	room := &domain.Room{ID: id, CreatorID: "u1"}
	f.rooms.On("FindByID", mock.Anything, id).Return(room, nil).Once()
	f.rooms.On("TouchLastActive", mock.Anything, id, mock.AnythingOfType("time.Time")).Return(nil).Once()

	c, w := testContext(t, "POST", "/v1/rooms/"+string(id)+"/start", `{}`)
	c.Params = gin.Params{{Key: "room_id", Value: string(id)}}
	c.Set(middleware.ContextUserKey, &domain.User{ID: "u1", DisplayName: "Alice"})

	f.handler.Start(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ticket"`)
	assert.Contains(t, w.Body.String(), `"resumption"`)
}

func TestRoomHandler_Start_WrongPassword(t *testing.T) {
	f := newHandlerFixture()
	id := domain.NewRoomID()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.DefaultCost)
	require.NoError(t, err)
	room := &domain.Room{ID: id, CreatorID: "u1", Password: string(hash)}
	f.rooms.On("FindByID", mock.Anything, id).Return(room, nil).Once()

	c, w := testContext(t, "POST", "/v1/rooms/"+string(id)+"/start", `{"password":"wrong"}`)
	c.Params = gin.Params{{Key: "room_id", Value: string(id)}}
	c.Set(middleware.ContextUserKey, &domain.User{ID: "u2", DisplayName: "Bob"})

	f.handler.Start(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoomHandler_StartInvited_GuestGetsTicket(t *testing.T) {
	f := newHandlerFixture()
	id := domain.NewRoomID()
	code := "secret-code"
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	require.NoError(t, err)
	invite := &domain.Invite{ID: "i1", RoomID: id, CodeHash: string(hash)}
	f.invites.On("FindByID", mock.Anything, domain.InviteID("i1")).Return(invite, nil).Once()
	f.rooms.On("FindByID", mock.Anything, id).Return(&domain.Room{ID: id, CreatorID: "u1"}, nil).Once()
	f.rooms.On("TouchLastActive", mock.Anything, id, mock.AnythingOfType("time.Time")).Return(nil).Once()

	body := `{"invite_id":"i1","code":"secret-code","display_name":"Carol"}`
	c, w := testContext(t, "POST", "/v1/rooms/"+string(id)+"/start_invited", body)
	c.Params = gin.Params{{Key: "room_id", Value: string(id)}}

	f.handler.StartInvited(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ticket"`)
}

func TestRoomHandler_StartInvited_RoomMismatch(t *testing.T) {
	f := newHandlerFixture()
	id := domain.NewRoomID()
	other := domain.NewRoomID()
	code := "secret-code"
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	require.NoError(t, err)
	invite := &domain.Invite{ID: "i1", RoomID: other, CodeHash: string(hash)}
	f.invites.On("FindByID", mock.Anything, domain.InviteID("i1")).Return(invite, nil).Once()

	body := `{"invite_id":"i1","code":"secret-code"}`
	c, w := testContext(t, "POST", "/v1/rooms/"+string(id)+"/start_invited", body)
	c.Params = gin.Params{{Key: "room_id", Value: string(id)}}

	f.handler.StartInvited(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	f.rooms.AssertNotCalled(t, "TouchLastActive", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomHandler_Close_MapsOwnershipError(t *testing.T) {
	f := newHandlerFixture()
	id := domain.NewRoomID()
	room := &domain.Room{ID: id, CreatorID: "u1"}
	f.rooms.On("FindByID", mock.Anything, id).Return(room, nil).Once()

	c, w := testContext(t, "DELETE", "/v1/rooms/"+string(id), "")
	c.Params = gin.Params{{Key: "room_id", Value: string(id)}}
	c.Set(middleware.ContextUserKey, &domain.User{ID: "u2"})

	f.handler.Close(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
	f.rooms.AssertNotCalled(t, "MarkClosed", mock.Anything, mock.Anything)
}

func TestHandleServiceError_MapsClosedRoom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	handlerhttp.HandleServiceError(c, service.ErrRoomClosed)

	assert.Equal(t, http.StatusGone, w.Code)
}
