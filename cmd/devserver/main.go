package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"e2ee-sdk/internal/config"
	"e2ee-sdk/internal/devserver"
	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/jwtsigner"
	"e2ee-sdk/internal/observability/logging"
	"e2ee-sdk/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "e2ee-devserver",
		Level:       cfg.LogLevel,
	})
	metrics.MustRegister("e2ee-devserver")

	signer, err := jwtsigner.NewFromBase64(cfg.JWTSecret, "kid-1", cfg.ApiURL)
	if err != nil {
		log.Fatalf("jwt signer: %v", err)
	}

	srv := devserver.New(directory.NewMemory(), signer, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("dev directory server listening", "addr", cfg.Addr)
	log.Fatal(httpSrv.ListenAndServe())
}
