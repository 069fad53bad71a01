package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/server"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

const (
	defaultWorkspace = "default"
	defaultPageSize  = 50
	maxPageSize      = 100
)

type RegisterRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Workspace string `json:"workspace"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func toUser(u database.User) types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Workspace:    u.Workspace,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *TeamChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.Workspace == "" {
		req.Workspace = defaultWorkspace
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	newUser, err := s.db.CreateAccount(ctx, database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
		Workspace:    req.Workspace,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toUser(newUser))
}

func (s *TeamChatApp) account(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.session(w, r)
	case http.MethodPut:
		userId, ok := UserId(r.Context())
		if !ok {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		var req UpdateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}

		if req.Username == "" || req.Password == "" {
			s.writeError(w, NewBadRequestError())
			return
		}

		pwdHash, err := hashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		dbUser, err := s.db.UpdateAccount(ctx, database.UpdateAccountParams{
			UserId:       userId,
			Username:     req.Username,
			PasswordHash: pwdHash,
		})
		if err != nil {
			s.writeError(w, dbError(err))
			return
		}

		s.writeJson(w, http.StatusOK, toUser(dbUser))
	default:
		s.writeError(w, NewMethodNotAllowedError())
	}
}

func (s *TeamChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	user, err := s.db.GetAccountById(ctx, userId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *TeamChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	dbUser, err := s.db.GetAccountByEmail(ctx, lr.Email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.stats.Incr(MetricLoginFailures)
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.stats.Incr(MetricLoginFailures)
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, dbUser.Workspace, s.tokenTTL)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(MetricLogins)
	http.SetCookie(w, createJwtCookie(token, s.tokenTTL))
	s.writeJson(w, http.StatusOK, types.LoginResponse{User: toUser(dbUser), Token: token})
}

func (s *TeamChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookie with an expired one so the browser drops it
	http.SetCookie(w, createJwtCookie("", -defaultJwtExpiration))
	w.WriteHeader(http.StatusNoContent)
}

// roomInWorkspace loads a room by external id, hiding rooms of other
// workspaces behind a 403.
func (s *TeamChatApp) roomInWorkspace(ctx context.Context, externalId string) (database.Room, *ApiError) {
	room, err := s.db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return database.Room{}, dbError(err)
	}
	if room.Workspace != Workspace(ctx) {
		return database.Room{}, NewForbiddenError()
	}
	return room, nil
}

func (s *TeamChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var params database.CreateRoomParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	params.Name = strings.TrimSpace(params.Name)
	if params.Kind == "" {
		params.Kind = types.RoomKindGeneral
	}
	if params.Name == "" || !params.Kind.Valid() || (params.Encrypted && params.EncryptionKeyId == "") {
		s.writeError(w, NewBadRequestError())
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	params.OwnerId = userId
	params.ExternalId = sid
	params.Workspace = Workspace(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	newRoom, err := s.db.CreateRoom(ctx, params)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, newRoom.ToType())
}

func (s *TeamChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	room, apiErr := s.roomInWorkspace(ctx, externalId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	withSubs, err := s.db.GetRoomWithSubscribers(ctx, room.Id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	out := withSubs.ToType()
	if out.Kind == types.RoomKindPrivate && !slices.ContainsFunc(out.Members, func(m types.Member) bool { return m.UserId == userId }) {
		s.writeError(w, NewForbiddenError())
		return
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *TeamChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	room, apiErr := s.roomInWorkspace(ctx, externalId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if room.OwnerId != userId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(ctx, room.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if err := s.cs.DeleteRoom(ctx, room.ExternalId); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *TeamChatApp) getUsersSubscriptions(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	dbSubs, err := s.db.ListSubscriptions(ctx, userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	subs := make([]types.Subscription, 0, len(dbSubs))
	for _, dbSub := range dbSubs {
		subs = append(subs, types.Subscription{
			Id:        dbSub.Id,
			Role:      dbSub.Role,
			Room:      dbSub.Room.ToType(),
			CreatedAt: dbSub.CreatedAt,
			UpdatedAt: dbSub.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, subs)
}

// getMessages serves one page of room history, oldest first. The before
// cursor comes from a previous page's next_cursor.
func (s *TeamChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	q := r.URL.Query()
	externalId := q.Get("room_id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, maxPageSize)
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	params := database.MessagePageParams{Limit: limit}
	if v := q.Get("before"); v != "" {
		ts, id, err := types.DecodeCursor(v)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		params.BeforeTime, params.BeforeId = ts, id
	}

	room, apiErr := s.roomInWorkspace(ctx, externalId)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}
	params.RoomId = room.Id

	if !s.db.SubscriptionExists(ctx, userId, room.Id) {
		s.writeError(w, NewForbiddenError())
		return
	}

	messages, hasMore, err := s.db.GetMessages(ctx, params)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	page := types.MessagePage{Messages: make([]types.Message, 0, len(messages)), HasMore: hasMore}
	for _, msg := range messages {
		page.Messages = append(page.Messages, msg.ToType(room.ExternalId))
	}
	if hasMore && len(page.Messages) > 0 {
		page.NextCursor = types.EncodeCursor(page.Messages[0])
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *TeamChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *TeamChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	if r.URL.Query().Get("workspace") != Workspace(r.Context()) {
		s.writeError(w, NewForbiddenError())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	user, err := s.db.GetAccountById(ctx, id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade connection", zap.Error(err))
		return
	}

	client := server.NewClient(toUser(user), conn, s.cs, s.log)
	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
