package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reliefhub/internal/api"
	"reliefhub/internal/auth"
	"reliefhub/internal/authz"
	"reliefhub/internal/config"
	"reliefhub/internal/content"
	"reliefhub/internal/filestore"
	"reliefhub/internal/http"
	"reliefhub/internal/hub"
	"reliefhub/internal/models"
	"reliefhub/internal/presence"
	"reliefhub/internal/store"
	"reliefhub/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser, userRole string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStore, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStore.Close() }()

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}
	authService, err := auth.NewService(ctx, authConfig, bbStore)
	if err != nil {
		return err
	}

	if addUser != "" {
		return createUser(authService, addUser, userRole)
	}

	blobs, err := filestore.NewLocalBlobStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	authorizer := authz.New(bbStore, authz.Policy{AnonymousRead: cfg.AnonymousRead})
	registry := presence.NewRegistry()
	router := hub.New(bbStore, authorizer, registry)
	wsServer := ws.NewServer(authService, authorizer, router, registry, bbStore)
	apiHandlers := api.New(authService, authorizer, router, bbStore, blobs, cfg.BaseURL)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// createUser provisions a principal with a generated password. Portal
// accounts are operator-provisioned; there is no self-signup here.
func createUser(authService *auth.Service, username, role string) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}
	r := models.Role(role)
	switch r {
	case models.RoleGeneral, models.RoleAdmin, models.RoleRescuer:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	password, err := generatePassword()
	if err != nil {
		return err
	}
	principal, err := authService.AddPrincipal(username, username, password, r)
	if err != nil {
		return err
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", principal.UserName)
	fmt.Printf("Role:      %s\n", principal.Role)
	fmt.Printf("Password:  %s\n\n", password)
	fmt.Println("Please share these credentials over a secure channel.")
	return nil
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	userRole := flag.String("role", string(models.RoleGeneral), "Role for -add-user (general, admin, rescuer)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser, *userRole); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
