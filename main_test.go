package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"reliefhub/internal/auth"
	"reliefhub/internal/models"
	"reliefhub/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	dbFile := filepath.Join(tmpDir, "integration_test.db")
	apiAddr := "127.0.0.1:8807"
	secret := "very-secure-test-secret"

	t.Setenv("RELIEFHUB_DB", dbFile)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", "http://"+apiAddr)
	t.Setenv("UPLOADS_PATH", filepath.Join(tmpDir, "uploads"))
	t.Setenv("AUTH_SECRET", secret)
	t.Setenv("ANONYMOUS_READ", "true")

	// Seed known accounts before the server takes the database lock.
	seedUser(t, dbFile, secret, "hq", "HQ Dispatch", "securepassword", models.RoleAdmin)
	medicID := seedUser(t, dbFile, secret, "medic", "Field Medic", "medicpassword", models.RoleGeneral)
	seedUser(t, dbFile, secret, "scout", "Scout One", "scoutpassword", models.RoleGeneral)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, "", ""); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Server error: %v", err)
		}
	}()

	baseURL := "http://" + apiAddr
	waitForServer(t, baseURL+"/api/messages?conversation=broadcast", 30)

	client := &http.Client{Timeout: 5 * time.Second}

	// Step 1: Login
	loginBody, _ := json.Marshal(auth.LoginRequest{Username: "hq", Password: "securepassword"})
	resp, err := client.Post(baseURL+"/api/login", "application/json", bytes.NewReader(loginBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	sessionToken := loginResp.Token
	require.NotEmpty(t, sessionToken)

	// Step 2: Open a live connection to the broadcast conversation.
	wsURL := fmt.Sprintf("ws://%s/ws/chat?conversation=broadcast", apiAddr)
	header := http.Header{"token": []string{sessionToken}}
	wsConn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if wsResp != nil {
		defer func() { _ = wsResp.Body.Close() }()
	}
	defer func() { _ = wsConn.Close() }()

	// The topic subscription is established by the handler goroutine
	// shortly after the upgrade completes.
	time.Sleep(200 * time.Millisecond)

	// Step 3: An anonymous field terminal posts to broadcast over HTTP.
	postBody, _ := json.Marshal(map[string]string{
		"conversation": "broadcast",
		"message":      "water level rising at the north bridge",
	})
	resp, err = client.Post(baseURL+"/api/messages", "application/json", bytes.NewReader(postBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var postResp struct {
		Status string `json:"status"`
		ID     string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&postResp))
	require.Equal(t, "success", postResp.Status)
	require.NotEmpty(t, postResp.ID)

	// Step 4: The live connection sees the post, attributed to the
	// anonymous placeholder.
	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev models.ServerEvent
	require.NoError(t, wsConn.ReadJSON(&ev))
	require.Equal(t, models.EventTypeMessage, ev.Type)
	require.Equal(t, "water level rising at the north bridge", ev.Message)
	require.Equal(t, "Field terminal", ev.SenderDisplayName)

	// Step 5: A message sent over the websocket reaches history.
	require.NoError(t, wsConn.WriteJSON(map[string]string{"message": "acknowledged, dispatching team"}))
	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, wsConn.ReadJSON(&ev))
	require.Equal(t, "acknowledged, dispatching team", ev.Message)

	histReq, _ := http.NewRequest("GET", baseURL+"/api/messages?conversation=broadcast", nil)
	histReq.Header.Set("token", sessionToken)
	resp, err = client.Do(histReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 2)
	require.Equal(t, "water level rising at the north bridge", history[0].Content)
	require.Equal(t, "acknowledged, dispatching team", history[1].Content)
	require.Less(t, history[0].Timestamp, history[1].Timestamp)

	// Step 6: Group management round trip.
	groupBody, _ := json.Marshal(map[string]string{"name": "North bridge response"})
	groupReq, _ := http.NewRequest("POST", baseURL+"/api/groups", bytes.NewReader(groupBody))
	groupReq.Header.Set("token", sessionToken)
	groupReq.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(groupReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var group models.Group
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&group))
	require.NotEmpty(t, group.ID)
	require.NotEmpty(t, group.InviteToken)

	// Step 7: Joining a conversation that does not exist fails silently:
	// the socket upgrades and is closed without any payload.
	badURL := fmt.Sprintf("ws://%s/ws/chat?conversation=group:does-not-exist", apiAddr)
	badConn, badResp, err := websocket.DefaultDialer.Dial(badURL, header)
	require.NoError(t, err)
	if badResp != nil {
		defer func() { _ = badResp.Body.Close() }()
	}
	defer func() { _ = badConn.Close() }()
	require.NoError(t, badConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = badConn.ReadMessage()
	require.Error(t, err)

	// Step 8: Anonymous history of an unknown group is refused the same
	// way as a known one the caller is not in.
	resp, err = client.Get(baseURL + "/api/messages?conversation=group:does-not-exist")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Step 9: Direct messages between general-role users require an
	// accepted connection; before one exists the post is refused.
	medicToken := login(t, client, baseURL, "medic", "medicpassword")
	scoutToken := login(t, client, baseURL, "scout", "scoutpassword")

	dmBody, _ := json.Marshal(map[string]string{
		"recipientId": medicID,
		"message":     "meet at the staging area",
	})
	require.Equal(t, http.StatusForbidden,
		postJSON(t, client, baseURL+"/api/messages/dm", scoutToken, dmBody))

	// Step 10: The scout requests a connection by username. The scout
	// cannot accept their own request; the medic can.
	connBody, _ := json.Marshal(map[string]string{"username": "medic"})
	require.Equal(t, http.StatusOK,
		postJSON(t, client, baseURL+"/api/connections", scoutToken, connBody))

	acceptBody, _ := json.Marshal(map[string]string{"username": "medic"})
	require.Equal(t, http.StatusForbidden,
		postJSON(t, client, baseURL+"/api/connections/accept", scoutToken, acceptBody))

	acceptBody, _ = json.Marshal(map[string]string{"username": "scout"})
	require.Equal(t, http.StatusOK,
		postJSON(t, client, baseURL+"/api/connections/accept", medicToken, acceptBody))

	// Step 11: With the connection accepted, the same direct message goes
	// through.
	require.Equal(t, http.StatusOK,
		postJSON(t, client, baseURL+"/api/messages/dm", scoutToken, dmBody))

	// Step 12: The medic reports in safe and the roster reflects it.
	safetyBody, _ := json.Marshal(map[string]string{"status": "safe"})
	require.Equal(t, http.StatusOK,
		postJSON(t, client, baseURL+"/api/safety", medicToken, safetyBody))

	rosterReq, _ := http.NewRequest("GET", baseURL+"/api/principals", nil)
	rosterReq.Header.Set("token", scoutToken)
	resp, err = client.Do(rosterReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var roster []models.Principal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	found := false
	for _, p := range roster {
		if p.ID == medicID {
			found = true
			require.Equal(t, models.SafetyStatusSafe, p.SafetyStatus)
		}
	}
	require.True(t, found, "medic missing from roster")

	// The roster is not served to anonymous terminals.
	resp, err = client.Get(baseURL + "/api/principals")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func login(t *testing.T, client *http.Client, baseURL, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(auth.LoginRequest{Username: username, Password: password})
	resp, err := client.Post(baseURL+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	return loginResp.Token
}

func postJSON(t *testing.T, client *http.Client, urlStr, token string, body []byte) int {
	t.Helper()
	req, err := http.NewRequest("POST", urlStr, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("token", token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// seedUser provisions an account directly in the database file, the way
// the -add-user command does, and returns the new principal's id.
func seedUser(t *testing.T, dbFile, secret, username, displayName, password string, role models.Role) string {
	t.Helper()
	bbStore, err := store.NewBboltStore(dbFile)
	require.NoError(t, err)
	defer func() { _ = bbStore.Close() }()

	svc, err := auth.NewService(context.Background(), auth.Config{
		Secret: base64.StdEncoding.EncodeToString([]byte(secret)),
	}, bbStore)
	require.NoError(t, err)

	principal, err := svc.AddPrincipal(username, displayName, password, role)
	require.NoError(t, err)
	return principal.ID
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
