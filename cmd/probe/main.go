// probe validates a broker API token and prints what it is allowed to do.
// Usage: go run ./cmd/probe --config configs/gateway.example.yaml --require trade
//
// The token is read from --token-file or, failing that, BROKER_TOKEN.
// Exits 1 when the token is invalid or lacks a required permission.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/config"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/logging"
	"github.com/rickgao/brokerlink/internal/probe"
)

func main() {
	configPath := flag.String("config", "configs/gateway.example.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	tokenFile := flag.String("token-file", "", "file holding the API token (default: $BROKER_TOKEN)")
	require := flag.String("require", "", "comma-separated permissions: trade, read_balance, read_transactions")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("load %s: %v", *envFile, err)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging, os.Stderr)

	token, err := readToken(*tokenFile)
	if err != nil {
		fatalf("%v", err)
	}
	required, err := parseRequired(*require)
	if err != nil {
		fatalf("%v", err)
	}

	gw, err := cfg.GatewaySettings()
	if err != nil {
		fatalf("invalid settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dial := probe.ManagerDialer(gw.Connection, connection.Deps{Logger: logger})
	v := probe.NewValidator(gw.Probe, dial, logger)

	logger.Info("probing token", "token", token, "broker", cfg.Broker.WSURL)
	res := v.Validate(ctx, token, required...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)

	if !res.IsValid {
		os.Exit(1)
	}
}

func readToken(path string) (auth.Token, error) {
	if path != "" {
		return auth.LoadToken(path)
	}
	raw := os.Getenv("BROKER_TOKEN")
	if raw == "" {
		return auth.Token{}, errors.New("no token: set --token-file or BROKER_TOKEN")
	}
	return auth.NewToken(raw)
}

func parseRequired(s string) ([]probe.Permission, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []probe.Permission
	for _, part := range strings.Split(s, ",") {
		p, err := probe.ParsePermission(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
