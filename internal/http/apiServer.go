package http

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"

	"reliefhub/internal/api"
	"reliefhub/internal/ws"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Session endpoints
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)

	// External ingestion and history (usable by field devices)
	mux.HandleFunc("POST /api/messages", apiHandlers.PostMessageHandler)
	mux.HandleFunc("POST /api/messages/dm", apiHandlers.PostDMHandler)
	mux.HandleFunc("GET /api/messages", apiHandlers.HistoryHandler)
	mux.HandleFunc("DELETE /api/messages/{id}", apiHandlers.DeleteMessageHandler)
	mux.HandleFunc("POST /api/messages/read", apiHandlers.MarkReadHandler)
	mux.HandleFunc("GET /api/conversations", apiHandlers.ConversationsHandler)

	// Group administration
	mux.HandleFunc("POST /api/groups", apiHandlers.CreateGroupHandler)
	mux.HandleFunc("POST /api/groups/join", apiHandlers.JoinGroupHandler)

	mux.HandleFunc("POST /api/connections", apiHandlers.RequestConnectionHandler)
	mux.HandleFunc("POST /api/connections/accept", apiHandlers.AcceptConnectionHandler)

	mux.HandleFunc("POST /api/safety", apiHandlers.SafetyStatusHandler)
	mux.HandleFunc("GET /api/principals", apiHandlers.PrincipalsHandler)

	// Attachments
	mux.HandleFunc("POST /api/upload/image", apiHandlers.UploadImageHandler)
	mux.HandleFunc("GET /api/images/{id}", apiHandlers.GetImageHandler)

	// Websocket gateways
	mux.HandleFunc("/ws/chat", wsServer.HandleChat)
	mux.HandleFunc("/ws/location", wsServer.HandleLocation)

	mux.Handle("GET /metrics", promhttp.Handler())

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handlers.CombinedLoggingHandler(os.Stdout, mux),
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
