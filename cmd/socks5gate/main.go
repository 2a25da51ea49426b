package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mlkmbp/socks5gate/internal/acl"
	"github.com/mlkmbp/socks5gate/internal/auth"
	"github.com/mlkmbp/socks5gate/internal/config"
	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/pool"
	"github.com/mlkmbp/socks5gate/internal/proxy"
	"github.com/mlkmbp/socks5gate/internal/qos"
	"github.com/mlkmbp/socks5gate/internal/resolver"
	"github.com/mlkmbp/socks5gate/internal/server"
	"github.com/mlkmbp/socks5gate/internal/session"
)

var log = logx.New(logx.WithPrefix("main"))

const defaultConfigPath = "./config/config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "-h", "--help":
			printHelp()
			return
		case "hashpass", "hp":
			if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
				fmt.Fprintln(os.Stderr, "Usage: socks5gate hashpass <PASS>")
				os.Exit(2)
			}
			h, err := auth.HashPassword(os.Args[2])
			must(err)
			fmt.Println(h)
			return
		default:
			must(run(os.Args[1]))
			return
		}
	}
	must(run(defaultConfigPath))
}

func must(err error) {
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  socks5gate [CONFIG]          # start the proxy (default ./config/config.yaml)
  socks5gate hashpass <PASS>   # print a bcrypt hash for the users file

Signals:
  SIGHUP   reload the ACL rules file
  SIGINT   graceful shutdown
  SIGTERM  graceful shutdown`)
}

func run(cfgPath string) error {
	cfg, usedPath, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logx.SetLevelString(cfg.Logging.Level)
	log.Infof("config loaded from %s", usedPath)

	store, err := session.OpenStore(cfg.DB.Driver, cfg.DB.DSN, session.DBOptions{
		MaxOpen:        cfg.DB.Pool.MaxOpen,
		MaxIdle:        cfg.DB.Pool.MaxIdle,
		MaxLifetimeSec: cfg.DB.Pool.MaxLifetimeSec,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	sessions := session.NewManager(store, session.Config{
		BatchSize:       cfg.Sessions.BatchSize,
		BatchInterval:   cfg.Sessions.BatchInterval(),
		RetentionPeriod: cfg.Sessions.RetentionPeriod(),
		CleanupInterval: cfg.Sessions.CleanupInterval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engine *acl.Engine
	if cfg.ACL.Enabled {
		initial, err := acl.LoadFile(cfg.ACL.RulesPath)
		if err != nil {
			return fmt.Errorf("load acl rules: %w", err)
		}
		engine = acl.NewEngine(initial)
		if cfg.ACL.Watch {
			watcher := acl.NewWatcher(cfg.ACL.RulesPath, engine, 0)
			go watcher.Run(ctx)
			go reloadOnHUP(ctx, watcher)
		}
	} else {
		// policy disabled: no rules, every request gets the configured
		// default_policy (block unless set to allow)
		defAction := acl.Block
		if cfg.ACL.DefaultPolicy == "allow" {
			defAction = acl.Allow
		}
		compiled, err := acl.Compile(defAction, nil, nil)
		if err != nil {
			return err
		}
		engine = acl.NewEngine(compiled)
	}

	upstreamPool := pool.New(pool.Config{
		Enabled:        cfg.Pool.Enabled,
		MaxIdlePerDest: cfg.Pool.MaxIdlePerDest,
		MaxTotalIdle:   cfg.Pool.MaxTotalIdle,
		IdleTimeout:    cfg.Pool.IdleTimeout(),
		ConnectTimeout: cfg.Pool.ConnectTimeout(),
	})
	defer upstreamPool.Close()

	qosEngine := qos.New(qos.Config{
		GlobalBps:         cfg.Qos.GlobalBps,
		GuaranteedBps:     cfg.Qos.GuaranteedBps,
		MaxBps:            cfg.Qos.MaxBps,
		BurstBytes:        cfg.Qos.BurstBytes,
		RebalanceInterval: cfg.Qos.RebalanceInterval(),
		IdleTimeout:       cfg.Qos.IdleTimeout(),
		MaxConnPerUser:    cfg.Qos.MaxConnPerUser,
		MaxConnGlobal:     cfg.Qos.MaxConnGlobal,
	})
	defer qosEngine.Close()

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	deps := proxy.Deps{
		ACL:      engine,
		Sessions: sessions,
		Pool:     upstreamPool,
		Qos:      qosEngine,
		Resolver: resolver.New(5 * time.Second),
		Auth:     authenticator,
	}
	pipeCfg := proxy.Config{
		ConnectTimeout:              cfg.Pool.ConnectTimeout(),
		BindAcceptTimeout:           cfg.Bind.AcceptTimeout(),
		UDPIdleTimeout:              cfg.UDP.IdleTimeout(),
		TrafficUpdatePacketInterval: cfg.Sessions.TrafficUpdatePacketInterval,
	}

	srv := server.New(server.Config{
		BindAddress:    cfg.Server.BindAddress,
		BindPort:       cfg.Server.BindPort,
		MaxConnections: cfg.Server.MaxConnections,
	}, deps, pipeCfg)

	err = srv.Run(ctx)

	log.Infof("shutting down, draining sessions")
	sessions.Shutdown()
	return err
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	var backends []auth.Authenticator
	for _, m := range cfg.Auth.Methods {
		switch m {
		case "noauth":
			backends = append(backends, &auth.Anonymous{})
		case "userpass":
			up, err := auth.NewUserPass(cfg.Auth.UsersPath, nil)
			if err != nil {
				return nil, fmt.Errorf("load users: %w", err)
			}
			backends = append(backends, up)
		}
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return auth.NewMulti(backends...), nil
}

func reloadOnHUP(ctx context.Context, w *acl.Watcher) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := w.ReloadNow(); err == nil {
				log.Infof("acl rules reloaded on SIGHUP")
			}
		}
	}
}
