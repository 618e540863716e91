package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"reportd/pkg/bus"
	"reportd/pkg/db"
	"reportd/pkg/render"
	gos3 "reportd/pkg/s3"
	"reportd/services/summarizer/internal/archive"
	"reportd/services/summarizer/internal/config"
	"reportd/services/summarizer/internal/delivery"
	"reportd/services/summarizer/internal/expiry"
	"reportd/services/summarizer/internal/httpapi"
	"reportd/services/summarizer/internal/janitor"
	"reportd/services/summarizer/internal/ledger"
	"reportd/services/summarizer/internal/mailer"
	"reportd/services/summarizer/internal/metrics"
	"reportd/services/summarizer/internal/notify"
	"reportd/services/summarizer/internal/ports"
	"reportd/services/summarizer/internal/session"
	"reportd/services/summarizer/internal/storage"
)

// service is the set of long-lived components behind "serve".
type service struct {
	cfg    config.Config
	logger zerolog.Logger

	lifecycle *session.Lifecycle
	api       *httpapi.API
	janitor   *janitor.Janitor
	bus       *bus.Bus
	confirms  *notify.ConfirmListener
	db        *db.DB
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger, middleware func(http.Handler) http.Handler) (_ *service, err error) {
	svc := &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	m := metrics.New(nil)
	emails, err := render.New()
	if err != nil {
		return nil, err
	}

	var (
		remote  ports.RemoteStorage
		linker  httpapi.Linker
		outbox  ports.Mailer
		history httpapi.History
		ready   []httpapi.Pinger
		rec     session.Recorder
	)

	if cfg.S3Enabled() {
		client, err := gos3.NewClient(ctx, gos3.Options{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		folders, err := storage.NewFolders(client, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.LinkTTL)
		if err != nil {
			return nil, err
		}
		remote, linker = folders, folders
	} else {
		logger.Warn().Msg("S3_ENDPOINT not set, archives will not be uploaded")
	}

	if cfg.SMTPEnabled() {
		smtp, err := mailer.New(mailer.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.SMTP.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		outbox = smtp
	} else {
		logger.Warn().Msg("SMTP_HOST not set, archives will not be emailed")
	}

	var notifiers notify.Fanout
	if cfg.NotifyURL != "" {
		hook, err := notify.NewWebhook(cfg.NotifyURL, &http.Client{}, cfg.NotifyTimeout)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, hook)
	}
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		svc.bus = b
		if err := notify.EnsureStream(b, cfg.NATSStream); err != nil {
			return nil, err
		}
		pub, err := notify.NewBusNotifier(b)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, pub)
		ready = append(ready, busHealth{b})
	}
	var notifier ports.Notifier = notifiers
	if len(notifiers) == 0 {
		logger.Warn().Msg("no NOTIFY_URL or NATS_URL set, status updates are dropped")
		notifier = notify.Discard{}
	}

	if cfg.DBDSN != "" {
		conn, err := db.Open(ctx, cfg.DBDSN, db.WithTimeout(cfg.DBTimeout))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		svc.db = conn
		version, err := conn.Migrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info().Int64("schema_version", version).Msg("delivery ledger ready")
		l, err := ledger.New(conn)
		if err != nil {
			return nil, err
		}
		rec, history = l, l
		ready = append(ready, l)
	}

	fetcher := archive.NewHTTPFetcher(&http.Client{}, cfg.MaxFileBytes)
	builder, err := archive.NewBuilder(fetcher, cfg.FetchTimeout, logger, m)
	if err != nil {
		return nil, err
	}

	dispatcher, err := delivery.NewDispatcher(delivery.Deps{
		Storage:  remote,
		Mailer:   outbox,
		Notifier: notifier,
		Emails:   emails,
		Brand:    cfg.BrandName,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	scheduler, err := expiry.NewScheduler(expiry.Deps{
		Retention: cfg.Retention,
		Storage:   remote,
		Mailer:    outbox,
		Notifier:  notifier,
		Emails:    emails,
		Brand:     cfg.BrandName,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}

	svc.lifecycle, err = session.NewLifecycle(session.Options{
		ScratchDir: cfg.ScratchDir,
		RecentTTL:  cfg.RecentTTL,
		Packager:   builder,
		Deliverer:  dispatcher,
		Scheduler:  scheduler,
		Recorder:   rec,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	if svc.bus != nil {
		svc.confirms, err = notify.NewConfirmListener(svc.bus, svc.lifecycle, logger)
		if err != nil {
			return nil, err
		}
	}

	svc.janitor, err = janitor.New(cfg.ScratchDir, cfg.ScratchMaxAge, svc.lifecycle, logger)
	if err != nil {
		return nil, err
	}

	svc.api, err = httpapi.New(httpapi.Options{
		Sessions:       svc.lifecycle,
		History:        history,
		Linker:         linker,
		Ready:          ready,
		Mode:           cfg.DeliveryMode,
		RateLimit:      cfg.RateLimit,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Registry:       m.Registry(),
		Middleware:     middleware,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// start launches the background consumers.
func (s *service) start(ctx context.Context) error {
	if s.confirms != nil {
		if err := s.confirms.Start(ctx); err != nil {
			return fmt.Errorf("subscribe confirmations: %w", err)
		}
	}
	return s.janitor.Start(ctx, s.cfg.SweepSchedule)
}

func (s *service) close() {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.confirms != nil {
		if err := s.confirms.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close confirmation subscription")
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

type busHealth struct{ b *bus.Bus }

func (h busHealth) Ping(context.Context) error {
	if !h.b.Healthy() {
		return errors.New("nats connection is down")
	}
	return nil
}
