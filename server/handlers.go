package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cipherline/apperr"
	"cipherline/db"
	"cipherline/models"
)

type authedHandler func(w http.ResponseWriter, r *http.Request, account *models.Account)

// requireAuth resolves the Authorization header before calling next.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, err := s.engine.Authenticate(r.Context(), bearer(r.Header.Get("Authorization")))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, account)
	}
}

func bearer(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

type sessionResponse struct {
	*models.Account
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nickname string `json:"nickname"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	account, token, err := s.engine.Register(r.Context(), req.Nickname, req.Name, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Account: account, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	account, token, err := s.engine.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Account: account, Token: token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, account *models.Account) {
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.DeleteAccount(r.Context(), account.ID, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangeNickname(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ChangeNickname(r.Context(), account.ID, req.Nickname); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		OldPassword string `json:"oldPassword"`
		Password    string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.engine.ChangePassword(r.Context(), account.ID, req.OldPassword, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleSetAvatar(w http.ResponseWriter, r *http.Request, account *models.Account) {
	// One byte past the limit is enough for the engine to reject the size.
	data, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxAvatarBytes+1))
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.InvalidRequest))
		return
	}
	hash, err := s.engine.SetAvatar(r.Context(), account.ID, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"hash": hash})
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	blob, err := s.engine.Avatar(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(blob.Data)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, account *models.Account) {
	list, err := s.engine.Conversations(r.Context(), account.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type keyRequest struct {
	User string `json:"user"`
	Key  string `json:"key"`
}

func (s *Server) handleInitiateConversation(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req keyRequest
	if !s.decode(w, r, &req) {
		return
	}
	rel, err := s.engine.InitiateConversation(r.Context(), account.ID, req.User, req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]models.Relation{"relation": rel})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, account *models.Account) {
	summary, err := s.engine.Conversation(r.Context(), account.ID, r.PathValue("user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, account *models.Account) {
	if err := s.engine.DeleteConversation(r.Context(), account.ID, r.PathValue("user")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendKey(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req keyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SendKey(r.Context(), account.ID, req.User, req.Key); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePeerKey(w http.ResponseWriter, r *http.Request, account *models.Account) {
	key, err := s.engine.PeerKey(r.Context(), account.ID, r.PathValue("user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, account *models.Account) {
	query := r.URL.Query()
	limit := db.DefaultLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, apperr.New(apperr.InvalidLimit))
			return
		}
		limit = n
	}

	list, err := s.engine.ListMessages(r.Context(), account.ID, r.PathValue("user"), limit, query.Get("after"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePurgeMessages(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		Messages []string `json:"messages"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.PurgeMessages(r.Context(), account.ID, r.PathValue("user"), req.Messages); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		User    string `json:"user"`
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.engine.SendMessage(r.Context(), account.ID, req.User, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"createdAt"`
	}{m.ID, m.CreatedAt})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, account *models.Account) {
	var req struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.engine.EditMessage(r.Context(), account.ID, req.ID, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, account *models.Account) {
	m, err := s.engine.GetMessage(r.Context(), account.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, account *models.Account) {
	if err := s.engine.DeleteMessage(r.Context(), account.ID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, account *models.Account) {
	if err := s.engine.MarkRead(r.Context(), account.ID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v, answering InvalidRequest on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		s.writeError(w, r, apperr.New(apperr.InvalidRequest))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers with the client error; anything outside the taxonomy
// is logged and answered as Unavailable.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.Public(err)
	if !ok {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, httpStatus(e.Code), e)
}

func httpStatus(code apperr.Code) int {
	switch code {
	case apperr.NoCredential, apperr.InvalidCredential:
		return http.StatusUnauthorized
	case apperr.UnknownAccount, apperr.UnknownMessage, apperr.UnknownAvatar:
		return http.StatusNotFound
	case apperr.NotAuthorOfMessage, apperr.NotReceiverOfMessage, apperr.IncorrectPassword, apperr.NoConversation:
		return http.StatusForbidden
	case apperr.AlreadyRead, apperr.AlreadyHasConversation, apperr.DidNotCreateConversation,
		apperr.AlreadySentKey, apperr.NameTaken:
		return http.StatusConflict
	case apperr.InvalidAvatarSize:
		return http.StatusRequestEntityTooLarge
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}
