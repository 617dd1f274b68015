package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorwatch/internal/anomaly/anomalyapi"
	"sensorwatch/internal/auth"
	"sensorwatch/internal/config"
	"sensorwatch/internal/devices"
	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/observability/metrics"
	"sensorwatch/internal/status/application"
	statushttp "sensorwatch/internal/status/interfaces/http"
	"sensorwatch/internal/status/notify"
	"sensorwatch/internal/transport"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	login := flag.Bool("login", false, "sign in before serving and store the token")
	logout := flag.Bool("logout", false, "drop the stored token and exit")
	email := flag.String("email", os.Getenv("SENSORWATCH_EMAIL"), "account email for -login")
	password := flag.String("password", os.Getenv("SENSORWATCH_PASSWORD"), "account password for -login")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	httpClient := transport.NewClient(
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithRequestIDs(uuid.NewString),
	)
	registry, err := endpoints.New(cfg.APIBaseURL)
	if err != nil {
		logger.Fatalf("endpoint registry error: %v", err)
	}

	store, closeStore, err := openSecureStore(ctx, cfg.TokenStore)
	if err != nil {
		logger.Fatalf("secure store error: %v", err)
	}
	defer closeStore()

	gate, err := auth.NewGate(store, systemClock{}, logger)
	if err != nil {
		logger.Fatalf("token gate error: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(httpClient, registry, gate)
	if err != nil {
		logger.Fatalf("authenticator error: %v", err)
	}
	if *logout {
		if err := authenticator.SignOut(ctx); err != nil {
			logger.Fatalf("sign out error: %v", err)
		}
		logger.Printf("signed out")
		return
	}
	if *login {
		if err := authenticator.SignIn(ctx, *email, *password); err != nil {
			logger.Fatalf("sign in error: tag=%s err=%v", transport.TagOf(err), err)
		}
		logger.Printf("signed in as %s", *email)
	}

	anomalies, err := anomalyapi.NewClient(httpClient, registry, anomalyapi.WithLogger(logger))
	if err != nil {
		logger.Fatalf("anomaly client error: %v", err)
	}
	directory, err := devices.NewDirectory(httpClient, registry, logger)
	if err != nil {
		logger.Fatalf("device directory error: %v", err)
	}

	stream := statushttp.NewStatusStream()
	view := &statusRef{}
	eventNotifier, err := buildNotifier(cfg.Notify, view, logger)
	if err != nil {
		logger.Fatalf("status notifier error: %v", err)
	}
	defer eventNotifier.Close()

	vm, err := application.NewViewModel(gate, anomalies, directory,
		application.WithLogger(logger),
		application.WithNotifier(stream),
		application.WithNotifier(eventNotifier),
		application.WithObserver(stream),
		application.WithSettings(application.Settings{
			ReadingsLimit:   cfg.ReadingsLimit,
			BasicPassWindow: cfg.BasicPassWindow,
			HistoryLimit:    cfg.HistoryLimit,
			StatsDays:       cfg.StatsDays,
		}),
	)
	if err != nil {
		logger.Fatalf("status view-model error: %v", err)
	}
	view.vm = vm

	if cfg.DeviceID != "" {
		vm.SelectDevice(cfg.ZoneID, cfg.DeviceID)
	} else if err := vm.LoadSelection(ctx); err != nil {
		logger.Printf("status selection error: %v", err)
	}
	if vm.HasSelection() {
		if err := vm.Refresh(ctx); err != nil {
			logger.Printf("status initial refresh error: %v", err)
		}
	}

	refresher := application.NewAutoRefresher(vm, cfg.AutoRefreshInterval, logger)
	stream.OnVisibility(func(visible bool) {
		if visible {
			refresher.Resume()
			return
		}
		refresher.Suspend()
	})
	go refresher.Start(ctx)

	statusHandler, err := statushttp.NewHandler(vm, logger, statushttp.WithVisibility(refresher))
	if err != nil {
		logger.Fatalf("status handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status/stream", statushttp.NewStreamHandler(stream))
	mux.Handle("/api/v1/status", statusHandler)
	mux.Handle("/api/v1/status/", statusHandler)
	mux.Handle("/api/v1/issues/", statusHandler)
	mux.Handle("/api/v1/sensor/", statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}
}

func openSecureStore(ctx context.Context, cfg config.TokenStore) (auth.SecureStore, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case config.DriverMemory:
		return auth.NewMemoryStore(), noop, nil
	case config.DriverPostgres:
		store, err := auth.OpenPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		store, err := auth.NewRedisStore(client)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := auth.NewFileStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	}
}

func buildNotifier(cfg config.Notify, status notify.StatusReader, logger *log.Logger) (*notify.Notifier, error) {
	tpl, err := notify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	var channel notify.Channel = notify.LogChannel{Printf: logger.Printf}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookChannel(cfg.WebhookURL, notify.WithSecret(cfg.WebhookSecret))
		if err != nil {
			return nil, err
		}
		channel = webhook
	}
	return notify.NewNotifier(channel, tpl,
		notify.WithLogger(logger),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
		notify.WithEscalation(cfg.Escalation, status),
	)
}

// statusRef lets the notifier read the view-model that is built after it.
type statusRef struct {
	vm *application.ViewModel
}

func (s *statusRef) State() application.State {
	if s.vm == nil {
		return application.State{}
	}
	return s.vm.State()
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream working behind the access log.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
