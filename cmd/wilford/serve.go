package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/authorization/espocrm"
	"github.com/mrfriendly-bv/wilford/authorization/local"
	"github.com/mrfriendly-bv/wilford/config"
	"github.com/mrfriendly-bv/wilford/idtoken"
	"github.com/mrfriendly-bv/wilford/mail"
	"github.com/mrfriendly-bv/wilford/server"
	sqlstorage "github.com/mrfriendly-bv/wilford/storage/sql"
	"github.com/mrfriendly-bv/wilford/user"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Launch the Wilford authorization server",
		Example: "wilford serve",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return runServe()
		},
	}
}

func newLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{})
	return logger
}

func runServe() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlstorage.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	signer, err := idtoken.LoadFromFiles(cfg.OIDCSigningKey, cfg.OIDCPublicKey)
	if err != nil {
		return fmt.Errorf("load oidc signing keys: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email != nil {
		smtpMailer, err := mail.NewSMTPMailer(*cfg.Email, logger)
		if err != nil {
			return fmt.Errorf("configure mailer: %w", err)
		}
		mailer = smtpMailer
	} else {
		logger.Info("no email configuration present; mails will be logged instead of sent")
	}

	var provider authorization.Provider
	switch cfg.AuthorizationProvider {
	case config.ProviderEspoCRM:
		provider = espocrm.New(espocrm.Config{Host: cfg.Espo.Host}, store, logger)
	default:
		provider = local.New(store)
	}

	userSvc := user.NewService(store, provider, mailer, cfg.HTTP.UIEmailVerificationPath, logger)

	if err := server.Bootstrap(context.Background(), store, cfg.DefaultClient.RedirectURI, logger); err != nil {
		return fmt.Errorf("bootstrap internal client: %w", err)
	}

	srv := server.New(store, provider, signer, mailer, userSvc, cfg.OIDCIssuer, server.Endpoints{
		UILoginPath:             cfg.HTTP.UILoginPath,
		UIEmailVerificationPath: cfg.HTTP.UIEmailVerificationPath,
		AuthorizationEndpoint:   cfg.HTTP.AuthorizationEndpoint,
		TokenEndpoint:           cfg.HTTP.TokenEndpoint,
		JWKSURIEndpoint:         cfg.HTTP.JWKSURIEndpoint,
	}, logger)

	httpSrv := &http.Server{Addr: config.BindAddr, Handler: srv.Router()}

	var gr run.Group

	listener, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpSrv.Addr, err)
	}
	gr.Add(func() error {
		logger.Infof("listening on %s", httpSrv.Addr)
		return httpSrv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	})

	reapCtx, cancelReap := context.WithCancel(context.Background())
	gr.Add(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.ReapPendingAuthorizations(reapCtx)
			case <-reapCtx.Done():
				return nil
			}
		}
	}, func(err error) {
		cancelReap()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
