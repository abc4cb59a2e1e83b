// Command vetstreamd serves the vet-review and pet-clinic re-emission
// endpoints. All configuration comes from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gmavrommatis/vetstream/client"
	"github.com/gmavrommatis/vetstream/reviewhttp"
	"github.com/joeshaw/envdecode"
)

type config struct {
	// ListenAddr is the address the HTTP server binds. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// VetReviewURL is the base URL of the vet-review service. ENV: VETREVIEW_URL
	VetReviewURL string `env:"VETREVIEW_URL,required"`
	// PetClinicURL is the base URL of the pet-clinic service. ENV: PETCLINIC_URL
	PetClinicURL string `env:"PETCLINIC_URL,required"`
	// UpstreamTimeout bounds the wait for upstream response headers. Once a
	// stream has started there is no per-element timeout. ENV: UPSTREAM_TIMEOUT
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(log); err != nil {
		log.Error("vetstreamd.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = cfg.UpstreamTimeout

	reviews, err := client.NewStreamClient(cfg.VetReviewURL,
		client.WithHTTPClient(&http.Client{Transport: streamTransport}),
		client.WithLogger(log),
	)
	if err != nil {
		return err
	}

	clinic, err := client.NewClinicClient(cfg.PetClinicURL,
		client.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		client.WithLogger(log),
	)
	if err != nil {
		return err
	}

	h, err := reviewhttp.New(reviews, clinic, reviewhttp.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("http.shutdown")
	return srv.Shutdown(shutdownCtx)
}
