// Command ttf-gateway runs the public-facing tunnel gateway: it accepts
// agent channel connections over websocket and forwards public HTTP
// traffic to them, grounded on cmd/flowersec-tunnel/main.go's
// env-then-flag, run(args,stdout,stderr) int, signal-driven shutdown
// pattern.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/gateway"
	"github.com/ttfgw/ttf/internal/cmdutil"
	"github.com/ttfgw/ttf/internal/version"
	"github.com/ttfgw/ttf/observability"
	"github.com/ttfgw/ttf/observability/prom"
	"github.com/ttfgw/ttf/store"
	"github.com/ttfgw/ttf/store/memstore"
	"github.com/ttfgw/ttf/store/redisstore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type readyOutput struct {
	Listen     string `json:"listen"`
	WSPath     string `json:"ws_path"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)

	listen := cmdutil.EnvString("TTF_GATEWAY_LISTEN", "127.0.0.1:8080")
	baseDomain := cmdutil.EnvString("BASE_DOMAIN", "tunnel.example.com")
	wsPath := cmdutil.EnvString("TTF_GATEWAY_WS_PATH", "/ws")
	redisAddr := cmdutil.EnvString("TTF_GATEWAY_REDIS_ADDR", "")
	bindingsTable := cmdutil.EnvString("BINDINGS_TABLE", "bindings")
	pendingTable := cmdutil.EnvString("PENDING_TABLE", "pending")
	metricsListen := cmdutil.EnvString("TTF_GATEWAY_METRICS_LISTEN", "")
	jwtSecret := cmdutil.EnvString("JWT_SECRET", "")
	requireAuth, err := cmdutil.EnvBool("REQUIRE_AUTH", false)
	if err != nil {
		return fail(stderr, &cmdutil.UsageError{Msg: fmt.Sprintf("invalid REQUIRE_AUTH: %v", err)})
	}
	useEventDriven, err := cmdutil.EnvBool("USE_EVENT_DRIVEN", true)
	if err != nil {
		return fail(stderr, &cmdutil.UsageError{Msg: fmt.Sprintf("invalid USE_EVENT_DRIVEN: %v", err)})
	}
	perTunnelRateLimit, err := cmdutil.EnvInt("PER_TUNNEL_RATE_LIMIT", 0)
	if err != nil {
		return fail(stderr, &cmdutil.UsageError{Msg: fmt.Sprintf("invalid PER_TUNNEL_RATE_LIMIT: %v", err)})
	}

	fs := flag.NewFlagSet("ttf-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: TTF_GATEWAY_LISTEN)")
	fs.StringVar(&baseDomain, "base-domain", baseDomain, "public base domain (env: BASE_DOMAIN)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "agent channel websocket path (env: TTF_GATEWAY_WS_PATH)")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "redis address; empty uses the in-memory store (env: TTF_GATEWAY_REDIS_ADDR)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for /metrics (empty disables) (env: TTF_GATEWAY_METRICS_LISTEN)")
	fs.BoolVar(&requireAuth, "require-auth", requireAuth, "require a bearer token at channel_open (env: REQUIRE_AUTH)")
	fs.IntVar(&perTunnelRateLimit, "per-tunnel-rate-limit", perTunnelRateLimit, "requests per tunnel per minute, 0 disables (env: PER_TUNNEL_RATE_LIMIT)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, "ttf-gateway "+version.String("", "", ""))
		return 0
	}

	cfg := gateway.DefaultConfig()
	cfg.BaseDomain = baseDomain
	cfg.RequireAuth = requireAuth
	cfg.JWTSecret = []byte(jwtSecret)
	cfg.UseEventDriven = useEventDriven
	cfg.PerTunnelRateLimit = perTunnelRateLimit

	var st store.Store
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			fmt.Fprintf(stderr, "redis ping failed: %v\n", err)
			return 1
		}
		st = redisstore.New(rdb, redisstore.Config{BindingsTable: bindingsTable, PendingTable: pendingTable})
	} else {
		st = memstore.New()
	}

	atomicObs := observability.NewAtomicGatewayObserver()
	cfg.Observer = atomicObs

	eng, err := gateway.NewEngine(cfg, st, nil, log.WithField("component", "engine"))
	if err != nil {
		return fail(stderr, &cmdutil.UsageError{Msg: err.Error()})
	}
	hub := gateway.NewHub(eng, log.WithField("component", "hub"))

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		hub.ServeChannel(w, r, token, r.UserAgent())
	})
	mux.Handle("/", gateway.NewPublicHandler(eng))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("gateway http server failed")
		}
	}()

	var metricsSrv *http.Server
	if metricsListen != "" {
		reg := prom.NewRegistry()
		atomicObs.Set(prom.NewGatewayObserver(reg))
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", prom.Handler(reg))
		metricsLn, err := net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: metricsMux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Fatal("metrics http server failed")
			}
		}()
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go runSweeper(sweepCtx, eng, cfg.SweepInterval, log)

	out := readyOutput{Listen: ln.Addr().String(), WSPath: wsPath}
	if metricsListen != "" {
		out.MetricsURL = "http://" + metricsListen + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return 0
}

func runSweeper(ctx context.Context, eng *gateway.Engine, interval time.Duration, log *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := eng.Sweep(ctx); err != nil {
				log.WithError(err).Warn("sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// fail prints err to stderr and maps it to a CLI exit code: usage/config
// errors (cmdutil.UsageError) exit 2, everything else exits 1.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err)
	if cmdutil.IsUsage(err) {
		return 2
	}
	return 1
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
