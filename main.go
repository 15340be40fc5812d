package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hexagonlabs/tunneld/internal/audit"
	"github.com/hexagonlabs/tunneld/internal/config"
	"github.com/hexagonlabs/tunneld/internal/database"
	"github.com/hexagonlabs/tunneld/internal/handlers"
	"github.com/hexagonlabs/tunneld/internal/monitor"
	"github.com/hexagonlabs/tunneld/internal/notifier"
	"github.com/hexagonlabs/tunneld/internal/ports"
	"github.com/hexagonlabs/tunneld/internal/registry"
	"github.com/hexagonlabs/tunneld/internal/sshserver"
)

func main() {
	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays); err != nil {
		log.Fatalf("Audit init: %v", err)
	}

	signer, err := sshserver.LoadOrCreateHostKey(config.Cfg.SSHHostKeyPath)
	if err != nil {
		log.Fatalf("Host key: %v", err)
	}

	alloc := ports.NewAllocator(config.Cfg.TunnelBasePort, config.Cfg.TunnelMaxPort)
	notif := notifier.New(config.Cfg.BackendURL, config.Cfg.PublicDomain)
	reg := registry.New(alloc, notif, config.Cfg.MaxTunnelsPerUser)

	sshAddr := fmt.Sprintf("%s:%d", config.Cfg.SSHHost, config.Cfg.SSHPort)
	sshSrv := sshserver.New(reg, signer, sshAddr, config.Cfg.SecretKey, config.Cfg.PublicDomain)
	if err := sshSrv.Start(); err != nil {
		log.Fatalf("SSH server: %v", err)
	}

	handlers.Registry = reg
	r := handlers.NewRouter()

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Cfg.Host, config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.NewHealthMonitor(reg, notif).Run(sigCtx)
	go monitor.NewMetricsCollector(reg, notif).Run(sigCtx)

	// Daily audit retention purge.
	sched := cron.New()
	sched.AddFunc("@daily", func() {
		if a := audit.Get(); a != nil {
			deleted, err := a.Purge()
			if err != nil {
				log.Printf("[audit] retention purge: %v", err)
			} else if deleted > 0 {
				log.Printf("[audit] purged %d entries older than %d days", deleted, a.RetentionDays())
			}
		}
	})
	sched.Start()

	go func() {
		log.Printf("Tunnel service starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-sched.Stop().Done()
	sshSrv.Shutdown()
	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Tunnel service stopped")
}
