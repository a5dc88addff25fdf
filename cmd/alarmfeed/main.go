package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/alarmfeed/internal/eventstore"
	"github.com/agentworkforce/alarmfeed/internal/feedsync"
	"github.com/agentworkforce/alarmfeed/internal/httpapi"
	"github.com/agentworkforce/alarmfeed/internal/logging"
	"github.com/agentworkforce/alarmfeed/internal/metrics"
	"github.com/agentworkforce/alarmfeed/internal/notify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("alarmfeed: %v", err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return runToken(args[1:], stdout, stderr)
		case "signin":
			return runSignIn(args[1:], stderr)
		case "signout":
			return runSignOut(args[1:], stderr)
		case "serve":
			args = args[1:]
		}
	}
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(rootCtx, cfg)
}

func serve(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	dsn, err := stateDSN(cfg)
	if err != nil {
		return err
	}
	backend, err := eventstore.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("initialize cache storage: %w", err)
	}
	defer func() {
		if err := eventstore.CloseStateBackend(backend); err != nil {
			logger.Warnf("close cache storage: %v", err)
		}
	}()
	persister := eventstore.NewPersister(backend, logger.Component("eventstore"))

	credentials, err := feedsync.NewFileCredentialStore(cfg.CredentialsFile, logger.Component("credentials"))
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	sinks, closeSinks, err := buildNotifiers(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	feedMetrics := metrics.New(registry)

	engine, err := feedsync.NewEngine(feedsync.Session{
		Credentials: credentials,
		Connection:  feedsync.NewHTTPConnection(httpClient),
		Remote:      feedsync.NewHTTPClient(credentials, httpClient),
		Notifier:    notify.NewMulti(sinks.notifiers()...),
		Store:       persister,
	}, feedsync.Options{
		Capacity:       cfg.Capacity,
		PollTimeout:    cfg.PollTimeout,
		IntervalJitter: cfg.IntervalJitter,
		Logger:         logger.Component("feedsync"),
		Observer:       feedMetrics,
	})
	if err != nil {
		return fmt.Errorf("initialize feed engine: %w", err)
	}

	if credentials.IsActiveSession() {
		engine.Start(cfg.InitialDelay, cfg.Interval)
	} else {
		logger.Infof("no active session in %s; waiting for sign-in", credentials.Path())
	}
	// A sign-in written by another process resumes polling; a sign-out is
	// picked up by the next poll, which logs out.
	if err := credentials.Watch(ctx, func() {
		if credentials.IsActiveSession() && engine.Start(0, cfg.Interval) {
			logger.Infof("session became active; polling resumed")
		}
	}); err != nil {
		logger.Warnf("credentials watch unavailable: %v", err)
	}

	api := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		ActionTimeout:   cfg.HTTPTimeout,
		Stream:          sinks.hub,
		Metrics:         feedMetrics.Handler(),
		Logger:          logger.Component("httpapi"),
	})
	if cfg.JWTSecret == "" {
		logger.Warnf("%sJWT_SECRET is not set; the observer API accepts tokens signed with the development secret", envPrefix)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("alarmfeed listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infof("alarmfeed stopping: %v", ctx.Err())
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("observer api failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	engine.Stop()
	sinks.hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("observer api shutdown: %v", err)
	}
	if err := persister.Flush(shutdownCtx); err != nil {
		logger.Warnf("flush cache: %v", err)
	}
	if err := persister.Close(); err != nil {
		logger.Warnf("close persister: %v", err)
	}
	return runErr
}

type notifierSet struct {
	hub   *notify.Hub
	kafka *notify.KafkaNotifier
	mqtt  *notify.MQTTNotifier
}

func (s notifierSet) notifiers() []feedsync.Notifier {
	out := []feedsync.Notifier{s.hub}
	if s.kafka != nil {
		out = append(out, s.kafka)
	}
	if s.mqtt != nil {
		out = append(out, s.mqtt)
	}
	return out
}

// buildNotifiers always creates the websocket hub; Kafka and MQTT are added
// when configured.
func buildNotifiers(cfg Config, logger *logging.Logger) (notifierSet, func(), error) {
	set := notifierSet{
		hub: notify.NewHub(notify.HubOptions{
			OriginPatterns: cfg.AllowedOrigins,
			Logger:         logger.Component("stream"),
		}),
	}
	if len(cfg.Kafka.Brokers) > 0 || cfg.Kafka.Topic != "" {
		kafkaNotifier, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Key:     cfg.Kafka.Key,
			Logger:  logger.Component("kafka"),
		})
		if err != nil {
			return notifierSet{}, nil, err
		}
		set.kafka = kafkaNotifier
	}
	if cfg.MQTT.Broker != "" || cfg.MQTT.Topic != "" {
		mqttNotifier, err := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Retained: cfg.MQTT.Retained,
			Logger:   logger.Component("mqtt"),
		})
		if err != nil {
			if set.kafka != nil {
				_ = set.kafka.Close()
			}
			return notifierSet{}, nil, err
		}
		set.mqtt = mqttNotifier
	}
	closeAll := func() {
		if set.kafka != nil {
			if err := set.kafka.Close(); err != nil {
				logger.Warnf("close kafka writer: %v", err)
			}
		}
		if set.mqtt != nil {
			set.mqtt.Close()
		}
	}
	return set, closeAll, nil
}

func runToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("alarmfeed token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", envOrDefault(envPrefix+"JWT_SECRET", "dev-secret"), "HS256 signing secret")
	subject := fs.String("subject", "observer", "token subject")
	scopes := fs.String("scopes", httpapi.ScopeEventsRead, "comma separated scopes")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var granted []string
	for _, scope := range strings.Split(*scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			granted = append(granted, scope)
		}
	}
	token, err := httpapi.IssueToken(*secret, *subject, granted, *ttl, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func runSignIn(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("alarmfeed signin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	credentialsFile := fs.String("credentials-file", credentialsFileDefault(), "session credentials file")
	baseURL := fs.String("base-url", envOrDefault(envPrefix+"BASE_URL", ""), "remote system base URL")
	username := fs.String("username", envOrDefault(envPrefix+"USERNAME", ""), "remote username")
	authMode := fs.String("auth-mode", envOrDefault(envPrefix+"AUTH_MODE", ""), "empty for basic auth, or token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := feedsync.NewFileCredentialStore(*credentialsFile, nil)
	if err != nil {
		return err
	}
	// The secret only comes from the environment so it never lands in shell history.
	return store.SignIn(feedsync.Credentials{
		BaseURL:  strings.TrimSpace(*baseURL),
		Username: strings.TrimSpace(*username),
		Password: os.Getenv(envPrefix + "PASSWORD"),
		AuthMode: strings.TrimSpace(*authMode),
	})
}

func runSignOut(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("alarmfeed signout", flag.ContinueOnError)
	fs.SetOutput(stderr)
	credentialsFile := fs.String("credentials-file", credentialsFileDefault(), "session credentials file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := feedsync.NewFileCredentialStore(*credentialsFile, nil)
	if err != nil {
		return err
	}
	return store.ClearSession()
}

func credentialsFileDefault() string {
	if path := envOrDefault(envPrefix+"CREDENTIALS_FILE", ""); path != "" {
		return path
	}
	return filepath.Join(envOrDefault(envPrefix+"DATA_DIR", defaultConfig().DataDir), "session.json")
}
