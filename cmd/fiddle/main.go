package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/config"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/logging"
	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/session"
	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

type options struct {
	web          string
	origin       string
	configPath   string
	entry        string
	bootstrap    string
	moduleConfig string
	transfer     string
	fetch        string
	method       string
	body         string
	eval         string
	timeout      time.Duration
	dev          bool
	modules      []string
}

func main() {
	var o options
	flag.StringVar(&o.web, "web", "", "Absolute web URL of the host (required)")
	flag.StringVar(&o.origin, "origin", "http://localhost", "Origin presented to the endpoint")
	flag.StringVar(&o.configPath, "config", "", "YAML or TOML config file for proxy timeouts")
	flag.StringVar(&o.entry, "entry", "", "Entry point module id; module files follow the flags")
	flag.StringVar(&o.bootstrap, "bootstrap", "", "Script file evaluated before the modules")
	flag.StringVar(&o.moduleConfig, "module-config", "", "JSON passed to requirejs.config")
	flag.StringVar(&o.transfer, "transfer", "", "Export field returned as raw bytes on stdout")
	flag.StringVar(&o.fetch, "fetch", "", "URL to fetch, relative to the web")
	flag.StringVar(&o.method, "method", "GET", "Fetch method")
	flag.StringVar(&o.body, "body", "", "Fetch body; @file reads a file")
	flag.StringVar(&o.eval, "eval", "", "Code to evaluate in the endpoint's global scope")
	flag.DurationVar(&o.timeout, "timeout", 0, "Per-call timeout (0 uses the configured default)")
	flag.BoolVar(&o.dev, "dev", false, "Development logging")
	flag.Parse()
	o.modules = flag.Args()

	if err := run(o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fiddle: %v\n", err)
		if kind := fault.KindOf(err); kind != "" {
			fmt.Fprintf(os.Stderr, "fiddle: failure kind %s\n", kind)
		}
		os.Exit(1)
	}
}

func run(o options, out io.Writer) error {
	if o.web == "" {
		return errors.New("-web is required")
	}
	modes := 0
	for _, set := range []bool{o.entry != "", o.fetch != "", o.eval != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return errors.New("exactly one of -entry, -fetch or -eval is required")
	}

	logger := logging.NewDefault()
	if o.dev {
		logger = logging.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := sessionConfig(o, logger)
	if err != nil {
		return err
	}
	sc, err := session.Get(o.web, cfg)
	if err != nil {
		return err
	}
	defer func() { _, _ = session.Remove(o.web) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case o.eval != "":
		reply, err := sc.Eval(ctx, o.eval)
		if err != nil {
			return err
		}
		return printJSON(out, reply.Data)
	case o.fetch != "":
		return fetch(ctx, sc, o, out)
	default:
		return runModules(ctx, sc, o, out, logger.Component("fiddle"))
	}
}

func sessionConfig(o options, logger *logging.Logger) (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.Logger = logger.Component("session")
	cfg.Location = session.LocationFunc(func() string { return o.origin })
	cfg.Navigator = session.NavigatorFunc(func(target string) error {
		fmt.Fprintf(os.Stderr, "Authentication required. Sign in at:\n  %s\n", target)
		return nil
	})

	proxyCfg := proxy.DefaultConfig()
	threshold := 0
	if o.configPath != "" {
		file, err := config.LoadFile(o.configPath)
		if err != nil {
			return cfg, err
		}
		proxyCfg.HandshakeTimeout = file.Proxy.HandshakeTimeout
		proxyCfg.DefaultTimeout = file.Proxy.InvokeTimeout
		threshold = file.Proxy.CompressionThreshold
	}
	if o.timeout > 0 {
		proxyCfg.DefaultTimeout = o.timeout
	}
	proxyCfg.Origin = o.origin
	proxyCfg.Dialer = &proxy.WebSocketDialer{Origin: o.origin, CompressionThreshold: threshold}
	cfg.Proxy = proxyCfg
	return cfg, nil
}

func fetch(ctx context.Context, sc *session.Context, o options, out io.Writer) error {
	init := &session.FetchInit{Method: o.method}
	if o.body != "" {
		body, err := readArg(o.body)
		if err != nil {
			return err
		}
		init.Body = body
	}

	resp, err := sc.Fetch(ctx, o.fetch, init)
	if err != nil {
		return err
	}

	result := map[string]any{
		"status":     resp.Status,
		"statusText": resp.StatusText,
		"url":        resp.URL,
		"headers":    resp.Headers,
	}
	switch {
	case resp.JSON != nil:
		result["body"] = resp.JSON
	case resp.Text != "":
		result["body"] = resp.Text
	default:
		result["bytes"] = len(resp.Body)
	}
	return printJSON(out, result)
}

func runModules(ctx context.Context, sc *session.Context, o options, out io.Writer, log *zap.Logger) error {
	rc := session.RunConfig{EntryPointID: o.entry}
	for _, path := range o.modules {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read module %s: %w", filepath.Base(path), err)
		}
		rc.ModuleDefinitions = append(rc.ModuleDefinitions, string(src))
	}
	if o.bootstrap != "" {
		src, err := os.ReadFile(o.bootstrap)
		if err != nil {
			return fmt.Errorf("read bootstrap: %w", err)
		}
		rc.ModuleBootstrap = string(src)
	}
	if o.moduleConfig != "" {
		if !sonic.Valid([]byte(o.moduleConfig)) {
			return errors.New("-module-config is not valid JSON")
		}
		rc.ModuleConfig = json.RawMessage(o.moduleConfig)
	}

	opts := []proxy.InvokeOption{
		proxy.WithProgress(func(r *proxy.Reply) {
			log.Info("Progress", zap.ByteString("data", r.Data))
		}),
	}
	if o.transfer != "" {
		opts = append(opts, proxy.WithTransfer(o.transfer))
	}

	reply, err := sc.Run(ctx, rc, opts...)
	if err != nil {
		return err
	}
	if o.transfer != "" {
		_, err := out.Write(reply.Transfer)
		return err
	}
	return printJSON(out, reply.Data)
}

// readArg returns v itself, or the bytes of file for "@file".
func readArg(v string) (any, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	return os.ReadFile(v[1:])
}

func printJSON(out io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			_, err := fmt.Fprintln(out, "null")
			return err
		}
		var decoded any
		if err := sonic.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		v = decoded
	}
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
