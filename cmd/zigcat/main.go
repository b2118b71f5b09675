// Command zigcat is the minimal CLI driver wiring flags to the four
// core subsystems (execsession, broker, telnet, accesslist). CLI
// parsing, help text and version banners are explicitly out of scope
// per spec.md section 1; this file is the thinnest glue that exercises
// the core, grounded on the teacher's cmd/vision3/main.go structure
// (flag parsing, log-to-stderr setup, fatal-on-config-error shape).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stlalpha/zigcat/internal/accesslist"
	"github.com/stlalpha/zigcat/internal/broker"
	"github.com/stlalpha/zigcat/internal/config"
	"github.com/stlalpha/zigcat/internal/execsession"
	"github.com/stlalpha/zigcat/internal/logging"
	"github.com/stlalpha/zigcat/internal/metrics"
	"github.com/stlalpha/zigcat/internal/procstate"
	"github.com/stlalpha/zigcat/internal/telnet"
	"github.com/stlalpha/zigcat/internal/tlsendpoint"
)

func main() {
	listenAddr := flag.String("listen", "", "address to listen on (broker or exec-accept mode)")
	dialAddr := flag.String("dial", "", "address to dial (exec-connect mode)")
	execCmd := flag.String("exec", "", "command to spawn and shuttle bytes to/from, netcat -e style")
	configDir := flag.String("config-dir", ".", "directory containing config.json and access-list files")
	chatMode := flag.Bool("chat", false, "broker mode: line-oriented nickname chat instead of raw fan-out")
	telnetMode := flag.Bool("telnet", false, "broker mode: run the Telnet IAC engine over each client")
	useTLS := flag.Bool("tls", false, "terminate TLS on accepted connections (requires sslCert/sslKey in config.json)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log.SetOutput(os.Stderr)
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("FATAL: zigcat: %v", err)
	}
	if *verbose {
		cfg.Verbose = true
	}
	logging.SetVerbose(cfg.Verbose)

	installSignalHandler()

	switch {
	case *execCmd != "" && *listenAddr != "":
		if err := runExecListen(*listenAddr, *execCmd, cfg, *useTLS); err != nil {
			log.Fatalf("FATAL: zigcat: %v", err)
		}
	case *execCmd != "" && *dialAddr != "":
		if err := runExecDial(*dialAddr, *execCmd, cfg); err != nil {
			log.Fatalf("FATAL: zigcat: %v", err)
		}
	case *listenAddr != "":
		if err := runBroker(*listenAddr, cfg, *chatMode, *telnetMode, *useTLS); err != nil {
			log.Fatalf("FATAL: zigcat: %v", err)
		}
	default:
		log.Fatal("FATAL: zigcat: one of -listen or -dial (with -exec) is required")
	}
}

// startMetricsServer serves c's /metrics endpoint on addr in the
// background if addr is non-empty; callers pass the collector already
// wired to the subsystem it measures.
func startMetricsServer(addr string, c *metrics.Collector) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.ListenAndServe(addr, c); err != nil {
			logging.Warnf("metrics server exited: %v", err)
		}
	}()
}

func installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Infof("shutdown signal received")
		procstate.RequestShutdown()
	}()
}

func execSessionConfig(cfg config.Config, collector *metrics.Collector) execsession.Config {
	return execsession.Config{
		PausePercent:     cfg.PausePercent,
		ResumePercent:    cfg.ResumePercent,
		IdleTimeout:      time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		ExecutionTimeout: time.Duration(cfg.ExecutionTimeoutMS) * time.Millisecond,
		Metrics:          collector,
	}
}

func buildCommand(commandLine string) *exec.Cmd {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return exec.Command("true")
	}
	return exec.Command(fields[0], fields[1:]...)
}

// runExecListen implements "listen, accept one connection, exec" —
// the classic netcat -l -e mode.
func runExecListen(addr, commandLine string, cfg config.Config, useTLS bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	if useTLS {
		ln, err = tlsendpoint.WrapListener(ln, tlsendpoint.Config{CertFile: cfg.SSLCert, KeyFile: cfg.SSLKey})
		if err != nil {
			return err
		}
	}

	logging.Infof("listening on %s for exec session", addr)
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	return runSession(conn, commandLine, cfg)
}

// execCollector builds the Collector for a single exec session. It has
// no broker to gauge active-client/flow-level state from, so both
// gauge closures are nil — Collect already skips a nil closure rather
// than reporting a fabricated gauge value.
func execCollector(cfg config.Config) *metrics.Collector {
	c := metrics.NewCollector(nil, nil)
	startMetricsServer(cfg.MetricsListenAddr, c)
	return c
}

// runExecDial implements "connect out, exec" — netcat -e in client mode.
func runExecDial(addr, commandLine string, cfg config.Config) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return runSession(conn, commandLine, cfg)
}

func runSession(conn net.Conn, commandLine string, cfg config.Config) error {
	collector := execCollector(cfg)
	sess, err := execsession.New(conn, buildCommand(commandLine), execSessionConfig(cfg, collector))
	if err != nil {
		return err
	}
	return sess.Run(context.Background())
}

func runBroker(addr string, cfg config.Config, chatMode, telnetMode, useTLS bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	if useTLS {
		ln, err = tlsendpoint.WrapListener(ln, tlsendpoint.Config{CertFile: cfg.SSLCert, KeyFile: cfg.SSLKey})
		if err != nil {
			return err
		}
	}

	var access *accesslist.List
	if len(cfg.AllowList) > 0 || len(cfg.DenyList) > 0 || cfg.AllowFile != "" || cfg.DenyFile != "" {
		allowRules := cfg.AllowList
		denyRules := cfg.DenyList
		if cfg.AllowFile != "" {
			fileRules, err := accesslist.LoadFile(filepath.Dir(cfg.AllowFile), filepath.Base(cfg.AllowFile))
			if err != nil {
				return err
			}
			allowRules = append(allowRules, fileRules...)
		}
		if cfg.DenyFile != "" {
			fileRules, err := accesslist.LoadFile(filepath.Dir(cfg.DenyFile), filepath.Base(cfg.DenyFile))
			if err != nil {
				return err
			}
			denyRules = append(denyRules, fileRules...)
		}
		access, err = accesslist.New(allowRules, denyRules)
		if err != nil {
			return err
		}
		if cfg.AllowFile != "" || cfg.DenyFile != "" {
			_ = access.WatchFiles(filepath.Dir(cfg.AllowFile), filepath.Base(cfg.AllowFile), filepath.Base(cfg.DenyFile))
		}
	}

	mode := broker.ModeRaw
	if chatMode {
		mode = broker.ModeChat
	} else if telnetMode {
		mode = broker.ModeTelnet
	}

	b := broker.New(ln, broker.Config{
		Mode:            mode,
		MaxClients:      cfg.MaxClients,
		IdleTimeout:     time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		ChatMaxNickname: cfg.ChatMaxNicknameLen,
		ChatMaxMessage:  cfg.ChatMaxMessageLen,
		AccessList:      access,
		TelnetPolicy:    telnet.PolicyFunc(func(byte) bool { return true }),
	})

	collector := metrics.NewCollector(
		func() float64 { return float64(b.ActiveClients()) },
		b.FlowLevel,
	)
	b.SetMetrics(collector)
	startMetricsServer(cfg.MetricsListenAddr, collector)

	logging.Infof("broker listening on %s (mode=%v)", addr, mode)
	return b.Run()
}
