// Package server owns the client-facing listener: it accepts sockets under
// the configured connection cap and hands each one to its own pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/proxy"
)

var log = logx.New(logx.WithPrefix("server"))

// Config is the listener configuration.
type Config struct {
	BindAddress    string
	BindPort       int
	MaxConnections int
}

// Server runs the accept loop until its context is cancelled.
type Server struct {
	cfg      Config
	deps     proxy.Deps
	pipeCfg  proxy.Config
	sem      chan struct{}
	wg       sync.WaitGroup
	listener net.Listener
}

func New(cfg Config, deps proxy.Deps, pipeCfg proxy.Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4096
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		pipeCfg: pipeCfg,
		sem:     make(chan struct{}, cfg.MaxConnections),
	}
}

// Run binds the listener and serves until ctx is cancelled, then waits for
// every live pipeline to reach its terminal state.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = ln
	log.Infof("listening on %s (max_connections=%d)", addr, s.cfg.MaxConnections)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Errorf("accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// hard cap on concurrent pipelines
			log.Warnf("connection cap reached, dropping %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			proxy.NewPipeline(c, s.deps, s.pipeCfg).Run(ctx)
		}(conn)
	}

	log.Infof("listener closed, waiting for %d pipelines", len(s.sem))
	s.wg.Wait()
	return nil
}
