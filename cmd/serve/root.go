package serve

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "async-network/cmd/util"
	"async-network/config"
	"async-network/connection"
	"async-network/eventloop"
	"async-network/message"
	"async-network/metrics"
	"async-network/middleware"
	"async-network/server"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a server that echoes requests",
	Long: `Run a server that answers every request with the value it received and logs
unsolicited messages. With --broadcast-interval it also broadcasts a counter to all
connected clients. Flags can be set via ASYNCNET_<FLAG> environment variables
(e.g. ASYNCNET_PORT=9000).`,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindFlags(cmd) },
	RunE:    run,
}

func init() {
	key := "port"
	ServeCmd.Flags().Int(key, 0, cmdUtil.WrapString("Port to listen on, 0 lets the OS choose"))

	key = "service-name"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Advertise the server under this name in the registry"))

	key = "service-type"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Service type to advertise under"))

	key = "service-domain"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Service domain to advertise under"))

	key = "advertise-host"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Host registered for clients, empty picks the first non-loopback address"))

	key = "disconnect-after-send"
	ServeCmd.Flags().Bool(key, false, cmdUtil.WrapString("Disconnect every client once a broadcast has been written to it"))

	key = "rate-limit"
	ServeCmd.Flags().Float64(key, 0, cmdUtil.WrapString("Messages per second handled across all clients, 0 = unlimited"))

	key = "rate-burst"
	ServeCmd.Flags().Int(key, 0, cmdUtil.WrapString("Burst size of the rate limit, defaults to the rate"))

	key = "metrics-addr"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Serve Prometheus metrics at http://<addr>/metrics"))

	key = "broadcast-interval"
	ServeCmd.Flags().Duration(key, 0, cmdUtil.WrapString("Broadcast a counter to all clients at this interval, 0 = never"))

	key = "broadcast-command"
	ServeCmd.Flags().Uint32(key, 100, cmdUtil.WrapString("Command of broadcast frames"))
}

func loadConfig() (config.Config, error) {
	cfg, err := cmdUtil.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if viper.IsSet("port") {
		cfg.Server.Port = viper.GetInt("port")
	}
	if viper.IsSet("service-name") {
		cfg.Server.ServiceName = viper.GetString("service-name")
	}
	if viper.IsSet("service-type") {
		cfg.Server.ServiceType = viper.GetString("service-type")
	}
	if viper.IsSet("service-domain") {
		cfg.Server.ServiceDomain = viper.GetString("service-domain")
	}
	if viper.IsSet("advertise-host") {
		cfg.Server.AdvertiseHost = viper.GetString("advertise-host")
	}
	if viper.IsSet("disconnect-after-send") {
		cfg.Server.DisconnectClientsAfterSend = viper.GetBool("disconnect-after-send")
	}
	if viper.IsSet("rate-limit") {
		cfg.Server.RateLimit = viper.GetFloat64("rate-limit")
	}
	if viper.IsSet("rate-burst") {
		cfg.Server.RateBurst = viper.GetInt("rate-burst")
	}
	if viper.IsSet("metrics-addr") {
		cfg.Metrics.Addr = viper.GetString("metrics-addr")
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cmdUtil.SetupLogging(cfg.Log); err != nil {
		return err
	}
	logger := log.WithField("component", "serve")

	cdc, err := cmdUtil.Codec(cfg.Transport)
	if err != nil {
		return err
	}
	reg, closeRegistry, err := cmdUtil.NewRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeRegistry()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace), metrics.WithRegistry(promRegistry))
	if cfg.Metrics.Addr != "" {
		srv := metricsServer(cfg.Metrics.Addr, promRegistry)
		defer srv.Close()
	}

	loop := eventloop.New(eventloop.WithLogger(logger)).Start()
	defer loop.Stop()

	started := make(chan error, 1)
	svr := server.New(loop, server.Config{
		Port:                       cfg.Server.Port,
		ServiceName:                cfg.Server.ServiceName,
		ServiceType:                cfg.Server.ServiceType,
		ServiceDomain:              cfg.Server.ServiceDomain,
		AdvertiseHost:              cfg.Server.AdvertiseHost,
		DisconnectClientsAfterSend: cfg.Server.DisconnectClientsAfterSend,
		Timeout:                    cfg.Transport.Timeout,
		Codec:                      cdc,
		MaxBodyLength:              cfg.Transport.MaxBodyLength,
	},
		server.WithListener(cmdUtil.NewListener(loop, cfg.Transport)),
		server.WithRegistry(reg),
		server.WithMetrics(m),
		server.WithLogger(logger),
		server.WithDelegate(echoDelegate(logger, started)),
	)

	svr.Use(middleware.RecoverMiddleware())
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.RateBurst
		if burst == 0 {
			burst = max(1, int(cfg.Server.RateLimit))
		}
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, burst))
	}

	loop.Post(svr.Start)
	if err := <-started; err != nil {
		return err
	}
	cmd.Printf("listening on port %d (%s, %s)\n", svr.Port(), cfg.Transport.Kind, cdc.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := viper.GetDuration("broadcast-interval"); interval > 0 {
		go broadcastLoop(ctx, loop, svr, interval, viper.GetUint32("broadcast-command"))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	loop.Do(svr.Stop)
	return nil
}

// echoDelegate answers requests with their own value. started receives the
// outcome of the first Start.
func echoDelegate(logger *log.Entry, started chan<- error) server.Delegate {
	report := func(err error) {
		select {
		case started <- err:
		default:
		}
	}
	return server.DelegateFuncs{
		OnServerStarted: func(*server.Server) { report(nil) },
		OnServerFailed: func(_ *server.Server, err error) {
			logger.WithError(err).Error("server failed")
			report(err)
		},
		OnConnectionAccepted: func(_ *server.Server, c *connection.Connection) {
			logger.WithField("conn", c.ID()).WithField("remote", c.RemoteAddr()).Info("client connected")
		},
		OnConnectionClosed: func(_ *server.Server, c *connection.Connection, err error) {
			entry := logger.WithField("conn", c.ID())
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Info("client disconnected")
		},
		OnMessageReceived: func(_ *server.Server, c *connection.Connection, msg *message.Message) {
			if !msg.ExpectsResponse() {
				logger.WithField("conn", c.ID()).WithField("command", msg.Command).
					Infof("message: %s", cmdUtil.FormatValue(msg.Value))
				return
			}
			if err := c.Respond(msg, msg.Value); err != nil {
				logger.WithError(err).Warn("respond")
			}
		},
		OnMessageFailed: func(_ *server.Server, c *connection.Connection, err error) {
			logger.WithField("conn", c.ID()).WithError(err).Warn("message failed")
		},
	}
}

func broadcastLoop(ctx context.Context, loop *eventloop.Loop, svr *server.Server, interval time.Duration, command uint32) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			value := n
			loop.Post(func() {
				if err := svr.Broadcast(value, command); err != nil {
					log.WithError(err).Warn("broadcast")
				}
			})
		}
	}
}

func metricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", addr).Error("metrics server")
		}
	}()
	return srv
}
