package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ssoforge/idcore/audit"
	"github.com/ssoforge/idcore/identity"
	"github.com/ssoforge/idcore/metrics"
	"github.com/ssoforge/idcore/notifier"
	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
	"github.com/ssoforge/idcore/tokenflow"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch ssod",
		Example: "ssod serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

func runServe(options serveOptions) error {
	cfg, err := loadConfig(options.config)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notify, err := openNotifier(cfg.Notifier, logger)
	if err != nil {
		return err
	}

	providers, err := loadProviders(cfg.Providers)
	if err != nil {
		return err
	}

	flow := tokenflow.New(store, notify, logger)
	flow.PwnedEnabled = cfg.PasswordPwned
	if cfg.AccessTokenExpiry > 0 {
		flow.AccessTokenExpiry = cfg.AccessTokenExpiry
	}
	if cfg.RefreshTokenExpiry > 0 {
		flow.RefreshTokenExpiry = cfg.RefreshTokenExpiry
	}

	admin := identity.New(store, logger)
	admin.PwnedEnabled = cfg.PasswordPwned

	reg := metrics.NewRegistry()
	acc := metrics.NewAuditAccumulator(reg, store, "", logger)

	apiSrv := &http.Server{
		Addr:    cfg.Web.HTTPAddr,
		Handler: newAPIHandler(flow, admin, reg, providers),
	}
	telemetrySrv := &http.Server{
		Addr:    cfg.Web.TelemetryAddr,
		Handler: reg.Handler(),
	}

	var gr run.Group

	ctx, cancel := context.WithCancel(context.Background())
	gr.Add(func() error {
		acc.Run(ctx, 15*time.Second)
		return nil
	}, func(error) { cancel() })

	if cfg.AuditRetention > 0 {
		gr.Add(func() error {
			runRetention(ctx, store, cfg.AuditRetention, logger)
			return nil
		}, func(error) { cancel() })
	}

	if err := addHTTPServer(&gr, "api", apiSrv, logger); err != nil {
		return err
	}
	if cfg.Web.TelemetryAddr != "" {
		if err := addHTTPServer(&gr, "telemetry", telemetrySrv, logger); err != nil {
			return err
		}
	}

	return gr.Run()
}

// retentionInterval is how often the sweeper wakes up; each pass deletes
// audit entries older than the configured window and clears expired CSRF
// rows. The audit deletion runs under the driver's advisory lock
// (audit.RunRetention); the CSRF sweep is a plain delete of expired rows
// without the lock.
const retentionInterval = time.Hour

func runRetention(ctx context.Context, store storage.Storage, window time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := audit.RunRetention(ctx, store, window); err != nil {
				logger.WithError(err).Warn("audit retention sweep failed")
			} else if n > 0 {
				logger.Infof("audit retention: deleted %d entries", n)
			}
			if _, err := store.DeleteExpiredCsrf(ctx, time.Now().UTC()); err != nil {
				logger.WithError(err).Warn("csrf expiry sweep failed")
			}
		}
	}
}

// addHTTPServer registers srv with gr so run.Group shuts it down gracefully
// alongside every other actor when any one of them returns.
func addHTTPServer(gr *run.Group, name string, srv *http.Server, logger logrus.FieldLogger) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	gr.Add(func() error {
		logger.Infof("listening (%s) on %s", name, srv.Addr)
		return srv.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("graceful shutdown (%s): %v", name, err)
		}
	})
	return nil
}

func openStorage(cfg storageConfig, logger logrus.FieldLogger) (storage.Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(logger), nil
	case "postgres":
		p := cfg.Postgres
		return p.Open(logger)
	default:
		return nil, &unknownStorageError{cfg.Type}
	}
}

type unknownStorageError struct{ typ string }

func (e *unknownStorageError) Error() string {
	return "ssod: unknown storage type " + e.typ
}

func openNotifier(cfg notifierConfig, logger logrus.FieldLogger) (*notifier.Notifier, error) {
	if cfg.From == "" {
		return nil, nil
	}

	var emailer notifier.Emailer
	switch {
	case cfg.SMTP != nil:
		e, err := notifier.NewSMTPEmailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		if err != nil {
			return nil, err
		}
		emailer = e
	case cfg.FileDir != "":
		emailer = &notifier.FileEmailer{Dir: cfg.FileDir}
	default:
		return nil, nil
	}

	return notifier.New(emailer, cfg.From, logger, cfg.TextGlob, cfg.HTMLGlob)
}
