package main

import (
	"context"
	"crypto"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpchealth "google.golang.org/grpc/health"

	"messenger-courier/internal/audit"
	auditrepo "messenger-courier/internal/audit/repository"
	"messenger-courier/internal/config"
	"messenger-courier/internal/credential"
	"messenger-courier/internal/db"
	"messenger-courier/internal/health"
	"messenger-courier/internal/network/gateway"
	"messenger-courier/internal/policy/engine"
	policyrepo "messenger-courier/internal/policy/repository"
	"messenger-courier/internal/security"
	"messenger-courier/internal/server"
	"messenger-courier/internal/session"
	sessionrepo "messenger-courier/internal/session/repository"
	"messenger-courier/internal/telemetry"
	"messenger-courier/internal/telemetry/otel"
	"messenger-courier/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("config: DATABASE_URL must be set")
	}
	if cfg.GatewayURL == "" {
		log.Fatal("config: GATEWAY_URL must be set")
	}

	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.OTelServiceName, false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer sqlDB.Close()

	kafkaProducer := producer.NewKafka(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	var emitters []telemetry.Emitter
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}
	emitters = append(emitters, otel.NewEmitter(providers))
	emitter := telemetry.Multi(emitters...)

	var tokens *security.ConnectTokenProvider
	if cfg.GatewayPrivateKey != "" || cfg.GatewayPublicKey != "" {
		var signer crypto.Signer
		if cfg.GatewayPrivateKey != "" {
			signer, err = security.ParsePrivateKey(cfg.GatewayPrivateKey)
			if err != nil {
				log.Fatalf("gateway private key: %v", err)
			}
		}
		var publicKey crypto.PublicKey
		if cfg.GatewayPublicKey != "" {
			publicKey, err = security.ParsePublicKey(cfg.GatewayPublicKey)
			if err != nil {
				log.Fatalf("gateway public key: %v", err)
			}
		}
		tokens = security.NewConnectTokenProvider(signer, publicKey, cfg.ConnectTokenIssuer, cfg.ConnectTTL())
	}

	gatewayOpts := gateway.Options{
		URL:          cfg.GatewayURL,
		PingInterval: cfg.PingInterval(),
	}
	if tokens != nil {
		gatewayOpts.Tokens = tokens
	}
	connector := gateway.NewConnector(gatewayOpts)

	var gate session.Gate
	var policyChecker health.PolicyChecker
	if cfg.PolicyEnforcementEnabled {
		evaluator := engine.NewOPAEvaluator(policyrepo.NewPostgresRepository(sqlDB))
		gate = evaluator
		policyChecker = evaluator
	}

	hs := grpchealth.NewServer()

	manager := session.NewManager(session.Options{
		Sessions:                sessionrepo.NewPostgresRepository(sqlDB),
		Creds:                   credential.NewPostgresStore(sqlDB),
		Connector:               connector,
		Gate:                    gate,
		Journal:                 audit.NewJournal(auditrepo.NewPostgresRepository(sqlDB)),
		Telemetry:               emitter,
		ReconnectDelay:          cfg.ReconnectDelay(),
		DecryptFailureThreshold: cfg.DecryptFailureThreshold,
		DedupRetention:          cfg.DedupRetention(),
		Observer:                server.NewSessionHealth(hs),
	})

	if cfg.RestoreOnStart {
		restored, err := manager.RestoreAll(ctx)
		if err != nil {
			log.Fatalf("restore: %v", err)
		}
		log.Printf("restored %d session(s)", restored)
	}

	runCtx, stopChecker := context.WithCancel(ctx)
	checker := health.NewChecker(sqlDB, policyChecker, hs, 0)
	go checker.Run(runCtx)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	var authTokens *security.ConnectTokenProvider
	if cfg.OpsAuthEnabled {
		authTokens = tokens
	}
	s := server.New(server.Options{
		Telemetry:   emitter,
		Tokens:      authTokens,
		RequireAuth: cfg.OpsAuthEnabled,
	})
	server.RegisterServices(s, server.Deps{Health: hs})

	go func() {
		log.Printf("ops gRPC server listening on %s", cfg.GRPCAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	s.GracefulStop()
	stopChecker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown: %v", err)
	}

	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		log.Printf("kafka close: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("stopped")
}
