package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"reliefhub/internal/auth"
	"reliefhub/internal/authz"
	"reliefhub/internal/content"
	"reliefhub/internal/convo"
	"reliefhub/internal/filestore"
	"reliefhub/internal/hub"
	"reliefhub/internal/models"
	"reliefhub/internal/store"

	"github.com/h2non/filetype"
)

const maxUploadSize = 10 << 20 // 10 MiB

// API serves the non-streaming surface: login, external message
// ingestion for field devices, history, group management and uploads.
type API struct {
	auth    *auth.Service
	authz   *authz.Authorizer
	hub     *hub.Hub
	store   *store.BboltStore
	files   filestore.BlobStore
	baseURL string
}

func New(authService *auth.Service, authorizer *authz.Authorizer, h *hub.Hub, s *store.BboltStore, files filestore.BlobStore, baseURL string) *API {
	return &API{
		auth:    authService,
		authz:   authorizer,
		hub:     h,
		store:   s,
		files:   files,
		baseURL: baseURL,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// principal resolves the caller; empty means anonymous.
func (a *API) principal(r *http.Request) string {
	id, err := a.auth.PrincipalID(a.getToken(r))
	if err != nil {
		return ""
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

type postMessageRequest struct {
	Conversation string `json:"conversation"`
	Message      string `json:"message"`
	ImageURL     string `json:"imageUrl,omitempty"`
}

type postMessageResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// PostMessageHandler is the external ingestion entry point for group
// and broadcast conversations. Anonymous callers are allowed; whether
// they are admitted is the authorizer's call. Refusals carry no detail.
func (a *API) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.hub.PostMessage(a.principal(r), req.Conversation, req.Message, req.ImageURL)
	if errors.Is(err, hub.ErrRefused) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to post message: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, postMessageResponse{Status: "success", ID: msg.ID})
}

type postDMRequest struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

func (a *API) PostDMHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req postDMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.hub.PostDirect(principalID, req.RecipientID, req.Message, req.ImageURL)
	if errors.Is(err, hub.ErrRefused) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to post direct message: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, postMessageResponse{Status: "success", ID: msg.ID})
}

// HistoryHandler returns the newest messages of a conversation, oldest
// first within the returned window.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	selector := r.URL.Query().Get("conversation")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if _, err := fmt.Sscanf(l, "%d", &limit); err != nil || limit <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	messages, err := a.hub.History(a.principal(r), selector, limit)
	if errors.Is(err, hub.ErrRefused) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to fetch history: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, messages)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	err := a.hub.Delete(principalID, r.PathValue("id"))
	if errors.Is(err, hub.ErrRefused) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to delete message: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type markReadRequest struct {
	Conversation string `json:"conversation"`
}

// MarkReadHandler records that the caller has seen a conversation up to
// now. Called when a conversation view is (re-)entered.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	key, err := convo.ParseSelector(principalID, req.Conversation)
	if err != nil || !a.authz.Admitted(principalID, key) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if err := a.store.MarkRead(principalID, string(key), time.Now().UnixNano()); err != nil {
		log.Printf("failed to mark read: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type conversationInfo struct {
	Selector string `json:"selector"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Unread   bool   `json:"unread"`
}

// ConversationsHandler lists the caller's conversations with unread
// flags, for the portal's list screens.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversations := []conversationInfo{{
		Selector: string(convo.Broadcast),
		Name:     "All hands",
		Kind:     "broadcast",
		Unread:   a.unread(principalID, convo.Broadcast),
	}}

	groups, err := a.store.ListGroupsForMember(principalID)
	if err != nil {
		log.Printf("failed to list groups: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for _, g := range groups {
		key := convo.GroupKey(g.ID)
		conversations = append(conversations, conversationInfo{
			Selector: string(key),
			Name:     g.Name,
			Kind:     "group",
			Unread:   a.unread(principalID, key),
		})
	}

	peers, err := a.store.ListAcceptedPeers(principalID)
	if err != nil {
		log.Printf("failed to list peers: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for _, peerID := range peers {
		name := "Deleted user"
		if p, err := a.store.GetPrincipal(peerID); err == nil {
			name = p.DisplayName
			if name == "" {
				name = p.UserName
			}
		}
		conversations = append(conversations, conversationInfo{
			Selector: "dm:" + peerID,
			Name:     name,
			Kind:     "dm",
			Unread:   a.unread(principalID, convo.DMKey(principalID, peerID)),
		})
	}

	writeJSON(w, conversations)
}

func (a *API) unread(principalID string, key convo.Key) bool {
	unread, err := a.store.Unread(principalID, string(key))
	if err != nil {
		log.Printf("failed to compute unread for %s: %v", key, err)
		return false
	}
	return unread
}

type createGroupRequest struct {
	Name string `json:"name"`
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := a.store.CreateGroup(content.Sanitize(req.Name), principalID)
	if err != nil {
		log.Printf("failed to create group: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, group)
}

type joinGroupRequest struct {
	InviteToken string `json:"inviteToken"`
}

// JoinGroupHandler adds the caller to the group behind an invitation
// token. An unknown token is a silent refusal, same as authorization.
func (a *API) JoinGroupHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req joinGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InviteToken == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := a.store.GetGroupByInvite(req.InviteToken)
	if errors.Is(err, models.ErrNotFound) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to resolve invite: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := a.store.AddMembership(group.ID, principalID, models.MemberRoleMember); err != nil {
		log.Printf("failed to add membership: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	group.InviteToken = ""
	writeJSON(w, group)
}

type connectionRequest struct {
	Username string `json:"username"`
}

// RequestConnectionHandler opens a direct-message relationship with
// another principal, addressed by username. An unknown username and a
// blocked relationship both come back as a silent refusal, so the
// endpoint leaks nothing about who is registered.
func (a *API) RequestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	peer, err := a.auth.GetByUsername(req.Username)
	if errors.Is(err, models.ErrNotFound) || peer.ID == principalID {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to resolve username: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	existing, err := a.store.GetConnection(principalID, peer.ID)
	if err == nil {
		// Re-requesting an accepted or pending connection is a no-op;
		// a blocked pair stays blocked.
		if existing.Status == models.ConnectionStatusBlocked {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, existing)
		return
	}
	if !errors.Is(err, models.ErrNotFound) {
		log.Printf("failed to look up connection: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn := models.Connection{
		RequesterID: principalID,
		ReceiverID:  peer.ID,
		Status:      models.ConnectionStatusRequesting,
	}
	if err := a.store.UpsertConnection(conn); err != nil {
		log.Printf("failed to store connection: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, conn)
}

// AcceptConnectionHandler accepts a pending request. Only the principal
// the request was addressed to can accept it; anyone else is refused
// without detail.
func (a *API) AcceptConnectionHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	peer, err := a.auth.GetByUsername(req.Username)
	if errors.Is(err, models.ErrNotFound) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to resolve username: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := a.store.GetConnection(principalID, peer.ID)
	if errors.Is(err, models.ErrNotFound) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("failed to look up connection: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if conn.Status != models.ConnectionStatusRequesting || conn.ReceiverID != principalID {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn.Status = models.ConnectionStatusAccepted
	if err := a.store.UpsertConnection(conn); err != nil {
		log.Printf("failed to store connection: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, conn)
}

type safetyRequest struct {
	Status models.SafetyStatus `json:"status"`
}

// SafetyStatusHandler records the caller's self-reported safety state,
// shown on the coordination overview.
func (a *API) SafetyStatusHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req safetyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case models.SafetyStatusSafe, models.SafetyStatusHelp, models.SafetyStatusUnknown:
	default:
		http.Error(w, "Invalid safety status", http.StatusBadRequest)
		return
	}

	if err := a.store.UpdateSafetyStatus(principalID, req.Status); err != nil {
		log.Printf("failed to update safety status: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PrincipalsHandler lists all registered principals with their safety
// status. Anonymous terminals do not get the roster.
func (a *API) PrincipalsHandler(w http.ResponseWriter, r *http.Request) {
	if a.principal(r) == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	principals, err := a.store.ListPrincipals()
	if err != nil {
		log.Printf("failed to list principals: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, principals)
}

// UploadImageHandler stores a chat attachment out-of-band. The returned
// URL is what clients reference in the imageUrl field of a message.
func (a *API) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	principalID := a.principal(r)
	if principalID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !filetype.IsImage(data) {
		http.Error(w, "Not an image", http.StatusUnsupportedMediaType)
		return
	}

	hash, err := a.files.Save(bytes.NewReader(data))
	if err != nil {
		log.Printf("failed to save upload: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{
		"imageUrl": a.baseURL + "/api/images/" + hash,
	})
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := a.files.Get(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = blob.Close() }()

	head := make([]byte, 261)
	n, _ := io.ReadFull(blob, head)
	head = head[:n]
	if kind, err := filetype.Image(head); err == nil {
		w.Header().Set("Content-Type", kind.MIME.Value)
	}
	if _, err := w.Write(head); err != nil {
		return
	}
	_, _ = io.Copy(w, blob)
}
