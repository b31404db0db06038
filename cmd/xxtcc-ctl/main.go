// XXTCloudControl ctl - one-shot controller client for scripts
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/havonz/XXTCloudControl-sub000/internal/config"
	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
	"github.com/havonz/XXTCloudControl-sub000/pkg/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: xxtcc-ctl [flags] <command> [args]

Commands:
  devices                   List the relay's device table
  refresh                   Poll all devices and print state updates
  send <type> [body-json]   Send one command to -devices
  batch <file|->            Send an ordered command batch to -devices
  http <method> <path>      Proxy an HTTP request to the single -devices entry

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	paths := config.DefaultPaths()

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", paths.ConsoleConfig, "Console configuration file")
		relayURL    = flag.String("relay-url", "", "Relay URL override")
		password    = flag.String("password", "", "Control password override")
		deviceList  = flag.String("devices", "", "Comma separated device udids")
		timeout     = flag.Duration("timeout", 30*time.Second, "Overall operation deadline")
		wait        = flag.Duration("wait", 2*time.Second, "How long refresh collects updates")
		port        = flag.Int("port", 0, "Device-local port for proxied requests")
		body        = flag.String("body", "", "Request body for the http command")
		contentType = flag.String("content-type", "application/json", "Content type for the http command body")
		asJSON      = flag.Bool("json", false, "Print the device table as JSON")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logLevel := slog.LevelWarn
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	relay, pass, err := resolveRelay(*configPath, *relayURL, *password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xxtcc-ctl:", err)
		os.Exit(1)
	}

	op := operation{
		command:     flag.Arg(0),
		args:        flag.Args()[1:],
		devices:     splitDevices(*deviceList),
		wait:        *wait,
		port:        *port,
		body:        *body,
		contentType: *contentType,
		asJSON:      *asJSON,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, relay, pass, op, logger); err != nil {
		fmt.Fprintln(os.Stderr, "xxtcc-ctl:", err)
		os.Exit(1)
	}
}

type operation struct {
	command     string
	args        []string
	devices     []string
	wait        time.Duration
	port        int
	body        string
	contentType string
	asJSON      bool
}

// resolveRelay merges the config file with flag overrides. Flags win;
// the file is optional when both flags are present.
func resolveRelay(configPath, relayURL, password string) (string, string, error) {
	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
		if relayURL == "" {
			relayURL = cfg.GetRelay()
		}
		if password == "" {
			password = cfg.GetPassword()
		}
	case errors.Is(err, config.ErrConfigNotFound):
		if relayURL == "" {
			return "", "", fmt.Errorf("no configuration found; pass -relay-url or create %s", configPath)
		}
	default:
		return "", "", fmt.Errorf("loading config: %w", err)
	}
	return relayURL, password, nil
}

func run(ctx context.Context, relayURL, password string, op operation, logger *slog.Logger) error {
	client := signaling.NewClient(relayURL, password, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { runErr <- client.Run(runCtx) }()

	switch op.command {
	case "devices":
		return listDevices(ctx, client, runErr, op.asJSON)
	case "refresh":
		return refreshDevices(ctx, client, runErr, op.wait)
	case "send":
		return sendCommand(ctx, client, runErr, op)
	case "batch":
		return sendBatch(ctx, client, runErr, op)
	case "http":
		return proxyHTTP(ctx, client, op)
	default:
		return fmt.Errorf("unknown command %q", op.command)
	}
}

// awaitTable requests the device table and waits for the reply. The
// relay handles frames in order, so a table round trip after queued
// commands also proves those commands went out.
func awaitTable(ctx context.Context, client *signaling.Client, runErr <-chan error) (map[string]signaling.AppState, error) {
	replyCh := make(chan map[string]signaling.AppState, 1)
	client.RegisterHandler(signaling.TypeControlDevices, func(_ context.Context, m *signaling.Message) {
		var table map[string]signaling.AppState
		if err := m.DecodeBody(&table); err != nil {
			return
		}
		select {
		case replyCh <- table:
		default:
		}
	})

	if err := client.RequestDevices(); err != nil {
		return nil, err
	}

	select {
	case table := <-replyCh:
		return table, nil
	case err := <-runErr:
		return nil, fmt.Errorf("connection lost: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for device table: %w", ctx.Err())
	}
}

func listDevices(ctx context.Context, client *signaling.Client, runErr <-chan error, asJSON bool) error {
	table, err := awaitTable(ctx, client, runErr)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(table, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding device table: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	udids := make([]string, 0, len(table))
	for udid := range table {
		udids = append(udids, udid)
	}
	sort.Strings(udids)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UDID\tNAME\tSCREEN\tSYSTEM\tRUNNING")
	for _, udid := range udids {
		sys := table[udid].System
		fmt.Fprintf(w, "%s\t%s\t%dx%d\t%s %s\t%v\n",
			udid, sys.Name, sys.Width, sys.Height, sys.SystemName, sys.SystemVer, sys.Running)
	}
	return w.Flush()
}

func refreshDevices(ctx context.Context, client *signaling.Client, runErr <-chan error, wait time.Duration) error {
	updates := make(chan signaling.DeviceState, 64)
	client.RegisterHandler(signaling.TypeAppState, func(_ context.Context, m *signaling.Message) {
		var as signaling.AppState
		if err := m.DecodeBody(&as); err != nil {
			return
		}
		select {
		case updates <- as.System:
		default:
		}
	})

	if err := client.Refresh(); err != nil {
		return err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		select {
		case sys := <-updates:
			fmt.Printf("%s\t%s\n", sys.UDID, sys.Name)
		case err := <-runErr:
			return fmt.Errorf("connection lost: %w", err)
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sendCommand(ctx context.Context, client *signaling.Client, runErr <-chan error, op operation) error {
	if len(op.devices) == 0 {
		return fmt.Errorf("send requires -devices")
	}
	if len(op.args) == 0 {
		return fmt.Errorf("send requires a command type")
	}

	var body any
	if len(op.args) > 1 {
		raw := op.args[1]
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("command body is not valid JSON: %s", raw)
		}
		body = json.RawMessage(raw)
	}

	if err := client.SendCommand(op.devices, op.args[0], body); err != nil {
		return err
	}
	_, err := awaitTable(ctx, client, runErr)
	return err
}

func sendBatch(ctx context.Context, client *signaling.Client, runErr <-chan error, op operation) error {
	if len(op.devices) == 0 {
		return fmt.Errorf("batch requires -devices")
	}
	if len(op.args) == 0 {
		return fmt.Errorf("batch requires a file argument (- for stdin)")
	}

	var (
		data []byte
		err  error
	)
	if op.args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(op.args[0])
	}
	if err != nil {
		return fmt.Errorf("reading batch: %w", err)
	}

	var commands []signaling.Command
	if err := json.Unmarshal(data, &commands); err != nil {
		return fmt.Errorf("parsing batch: %w", err)
	}
	if len(commands) == 0 {
		return fmt.Errorf("batch is empty")
	}

	if err := client.SendCommands(op.devices, commands); err != nil {
		return err
	}
	_, err = awaitTable(ctx, client, runErr)
	return err
}

func proxyHTTP(ctx context.Context, client *signaling.Client, op operation) error {
	if len(op.devices) != 1 {
		return fmt.Errorf("http requires exactly one device in -devices")
	}
	if len(op.args) < 2 {
		return fmt.Errorf("http requires a method and a path")
	}

	path, query, _ := strings.Cut(op.args[1], "?")
	req := &signaling.HTTPProxyRequest{
		Method: strings.ToUpper(op.args[0]),
		Path:   path,
		Query:  query,
		Port:   op.port,
	}
	if op.body != "" {
		req.Body = base64.StdEncoding.EncodeToString([]byte(op.body))
		req.Headers = map[string]string{"Content-Type": op.contentType}
	}

	resp, err := client.HTTPRequest(ctx, op.devices[0], req)
	if err != nil {
		return err
	}

	if resp.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
		os.Stdout.Write(decoded)
		if len(decoded) > 0 && decoded[len(decoded)-1] != '\n' {
			fmt.Println()
		}
	}

	if resp.Status >= 400 {
		return fmt.Errorf("device returned status %d", resp.Status)
	}
	return nil
}

func splitDevices(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	devices := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			devices = append(devices, p)
		}
	}
	return devices
}
