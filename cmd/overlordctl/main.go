// Overlord CLI
//
// Operator tooling for the overlord daemon: health status, firewall rule
// refresh, MQTT state drift checks and API token management.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Extra-Chill/overlord/internal/api"
	"github.com/Extra-Chill/overlord/internal/config"
	"github.com/Extra-Chill/overlord/internal/health"
	"github.com/Extra-Chill/overlord/internal/registry"
)

var version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var code int
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("overlordctl v%s\n", version)
	case "status":
		code = handleStatus(os.Args[2:])
	case "refresh":
		code = handleRefresh(os.Args[2:])
	case "drift":
		code = handleDrift(os.Args[2:])
	case "token":
		code = handleToken(os.Args[2:])
	case "hash-token":
		code = handleHashToken(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`Overlord CLI - Network kill switch operator tooling

Usage: overlordctl <command> [options]

Commands:
  status          Show backend health
  refresh         Reload the UniFi firewall rule index
  drift           Compare retained MQTT state with live API state
  token           Issue a signed API token
  hash-token      Hash a static API token for the config file
  version         Show version

Environment:
  OVERLORD_URL    API base URL (default http://localhost:19000)
  OVERLORD_TOKEN  Bearer token for control routes
  MQTT_BROKER     MQTT broker host (default localhost)
  MQTT_PORT       MQTT broker port (default 1883)

Examples:
  overlordctl status
  overlordctl drift -config /etc/overlord/overlord.yaml
  overlordctl token -secret "$JWT_SECRET" -subject homebridge -ttl 720h
  overlordctl hash-token "$(openssl rand -hex 32)"`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiFlags registers the connection flags shared by the API commands.
func apiFlags(fs *flag.FlagSet) (base, token *string, timeout *time.Duration) {
	base = fs.String("url", envOr("OVERLORD_URL", "http://localhost:19000"), "Overlord API base URL")
	token = fs.String("token", os.Getenv("OVERLORD_TOKEN"), "Bearer token")
	timeout = fs.Duration("timeout", 30*time.Second, "Request timeout")
	return base, token, timeout
}

func handleStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	base, token, timeout := apiFlags(fs)
	cached := fs.Bool("cached", false, "Show the daemon's last background check instead of checking now")
	fs.Parse(args)

	path := "/health"
	if *cached {
		path += "?cached=true"
	}
	client := newAPIClient(*base, *token, *timeout)
	var report health.Report
	err := client.get(context.Background(), path, &report)
	var se *statusError
	if err != nil && !(errors.As(err, &se) && se.Code == 503) {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	return printStatus(os.Stdout, report)
}

func printStatus(w io.Writer, report health.Report) int {
	fmt.Fprintln(w, styleTitle.Render("OVERLORD "+report.Status))
	for _, c := range report.Checks {
		mark := styleGood.Render("up")
		detail := fmt.Sprintf("%dms", c.LatencyMS)
		if !c.Up {
			mark = styleAlert.Render("down")
			detail = c.Error
		}
		if c.Session != "" {
			detail += fmt.Sprintf(" session=%s logins=%d", c.Session, c.Logins)
		}
		fmt.Fprintf(w, "%-5s %-9s %-24s %-4s %s\n", mark, c.Backend, c.Instance, c.Probe, detail)
	}
	if report.Status != health.StatusOK {
		return 1
	}
	return 0
}

func handleRefresh(args []string) int {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	base, token, timeout := apiFlags(fs)
	fs.Parse(args)

	client := newAPIClient(*base, *token, *timeout)
	var resp api.RefreshResponse
	if err := client.get(context.Background(), "/ubiquiti/refresh", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "refresh: %v\n", err)
		return 1
	}
	fmt.Printf("Firewall rules reloaded: %d\n", resp.Rules)
	for _, name := range resp.Names {
		fmt.Printf("  %s\n", name)
	}
	return 0
}

func handleDrift(args []string) int {
	fs := flag.NewFlagSet("drift", flag.ExitOnError)
	base, token, timeout := apiFlags(fs)
	configPath := fs.String("config", os.Getenv("OVERLORD_CONFIG"), "Path to the daemon config file")
	broker := fs.String("mqtt-broker", envOr("MQTT_BROKER", "localhost"), "MQTT broker host")
	port := fs.Int("mqtt-port", envInt("MQTT_PORT", 1883), "MQTT broker port")
	wait := fs.Duration("mqtt-wait", 5*time.Second, "How long to wait for retained messages")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drift: %v\n", err)
		return 1
	}
	reg, err := registry.New(cfg.AllTargets())
	if err != nil {
		fmt.Fprintf(os.Stderr, "drift: %v\n", err)
		return 1
	}

	checks := buildChecks(reg, cfg.PiHole.Enabled, cfg.Ubiquiti.Enabled)
	if len(checks) == 0 {
		fmt.Println("No checks configured. Enable pihole or ubiquiti and declare targets.")
		return 0
	}

	brokerURL := "tcp://" + net.JoinHostPort(*broker, strconv.Itoa(*port))
	fmt.Printf("Running %d state checks...\n", len(checks))
	fmt.Printf("  Overlord API: %s\n", *base)
	fmt.Printf("  MQTT Broker:  %s\n\n", brokerURL)

	topics := make([]string, len(checks))
	for i, c := range checks {
		topics[i] = c.Topic
	}
	values, err := fetchMQTT(brokerURL, topics, *wait)
	applyMQTT(checks, values, err)

	fetchAPI(context.Background(), newAPIClient(*base, *token, *timeout), checks)

	return printDrift(os.Stdout, checks)
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func handleToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("OVERLORD_JWT_SECRET"), "JWT signing secret (api.jwt_secret)")
	subject := fs.String("subject", "", "Token subject, e.g. the calling automation")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *secret == "" || *subject == "" {
		fmt.Println("Usage: overlordctl token -secret <secret> -subject <name> [-ttl 24h]")
		return 1
	}
	tok, err := api.IssueToken(*secret, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}

func handleHashToken(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Println("Usage: overlordctl hash-token <token>")
		return 1
	}
	hash, err := api.HashToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-token: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
