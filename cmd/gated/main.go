// Command gated serves the approval-gated agent run API: it starts runs,
// streams their events over SSE, records human decisions and resumes
// suspended runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/gate/api"
	"goa.design/gate/config"
	approvalmongo "goa.design/gate/features/approval/mongo"
	approvalclients "goa.design/gate/features/approval/mongo/clients/mongo"
	registrymongo "goa.design/gate/features/registry/mongo"
	registryclients "goa.design/gate/features/registry/mongo/clients/mongo"
	streampulse "goa.design/gate/features/stream/pulse"
	pulseclients "goa.design/gate/features/stream/pulse/clients/pulse"
	"goa.design/gate/runtime/gate/approval"
	approvalinmem "goa.design/gate/runtime/gate/approval/inmem"
	"goa.design/gate/runtime/gate/registry"
	registryinmem "goa.design/gate/runtime/gate/registry/inmem"
	"goa.design/gate/runtime/gate/resume"
	"goa.design/gate/runtime/gate/runner"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file (defaults to $GATE_CONFIG, then gate.yml)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		approvals approval.Store
		sessions  registry.Registry
		pingers   []health.Pinger
	)
	if cfg.Mongo.Addr != "" {
		mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.Addr))
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "mongo disconnect"})
			}
		}()
		ac, err := approvalclients.New(approvalclients.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatal(ctx, err)
		}
		rc, err := registryclients.New(registryclients.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatal(ctx, err)
		}
		if approvals, err = approvalmongo.NewStore(ac); err != nil {
			log.Fatal(ctx, err)
		}
		if sessions, err = registrymongo.NewStore(rc); err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, ac, rc)
		log.Print(ctx, log.KV{K: "msg", V: "using mongo stores"}, log.KV{K: "database", V: cfg.Mongo.Database})
	} else {
		approvals = approvalinmem.New()
		sessions = registryinmem.New()
		log.Print(ctx, log.KV{K: "msg", V: "using in-memory stores"})
	}

	var streams *streampulse.RunStreams
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		pc, err := pulseclients.New(pulseclients.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		if streams, err = streampulse.NewRunStreams(streampulse.RunStreamsOptions{Client: pc}); err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "pulse event fan-out enabled"}, log.KV{K: "redis", V: cfg.Redis.Addr})
	}

	rnr := &runner.Runner{
		Approvals:   approvals,
		Sessions:    sessions,
		Planner:     newEchoPlanner(),
		Invoker:     newLocalInvoker(),
		ApprovalTTL: cfg.Approval.TTL,
	}
	if streams != nil {
		rnr.Mirror = streams.Sink()
	}
	handler := resume.Handler{
		Approvals: approvals,
		Sessions:  sessions,
		Runner:    rnr,
	}

	sweeper := approval.NewSweeper(approval.SweeperOptions{
		Store:     approvals,
		Interval:  cfg.Approval.SweepInterval,
		Retention: cfg.Approval.Retention,
	})
	go sweeper.Run(ctx)
	go sweepSessions(ctx, sessions, cfg.Approval.SweepInterval, cfg.Session.IdleTimeout)

	svc := &api.Service{
		Runner:  rnr,
		Resume:  &handler,
		Limiter: api.NewDecisionLimiter(0, 0),
	}
	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(svc))
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))
	if *dbgF || cfg.Debug {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}
	var h http.Handler = mux
	if *dbgF || cfg.Debug {
		h = debug.HTTP()(h)
	}
	h = log.HTTP(ctx)(h)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h, ReadHeaderTimeout: 60 * time.Second}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTPAddr)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
		if streams != nil {
			if err := streams.Close(context.Background()); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "pulse close"})
			}
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// sweepSessions periodically releases idle sessions alongside the approval
// sweep so abandoned runs do not accumulate.
func sweepSessions(ctx context.Context, sessions registry.Registry, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sessions.SweepIdle(ctx, now, idle)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "session sweep failed"})
				continue
			}
			if n > 0 {
				log.Info(ctx, log.KV{K: "msg", V: "idle sessions released"}, log.KV{K: "count", V: n})
			}
		}
	}
}
