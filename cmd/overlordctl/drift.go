package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Extra-Chill/overlord/internal/registry"
)

// stateCheck compares the retained MQTT value home automation sees with the
// live state reported by the API.
type stateCheck struct {
	Name     string
	Topic    string
	Endpoint string

	MQTTValue string
	APIValue  string
	MQTTErr   string
	APIErr    string
}

func (c *stateCheck) failed() bool {
	return c.MQTTErr != "" || c.APIErr != ""
}

func (c *stateCheck) matches() bool {
	return !c.failed() && normalizeState(c.MQTTValue) == normalizeState(c.APIValue)
}

// normalizeState folds the spellings of on and off used by switches and the
// API into true and false. Anything else is compared lower-cased.
func normalizeState(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "true", "on", "1", "enabled":
		return "true"
	case "false", "off", "0", "disabled":
		return "false"
	}
	return v
}

// buildChecks lists the DNS master switch, every domain group and every
// firewall rule of the enabled backends.
func buildChecks(reg *registry.Registry, dns, router bool) []*stateCheck {
	var checks []*stateCheck
	if dns {
		checks = append(checks, &stateCheck{
			Name:     "DNS Master",
			Topic:    "stat/dns_controller/master/status",
			Endpoint: "/alldns/",
		})
		for _, t := range reg.List(registry.KindDomainGroup) {
			label := "Block"
			if t.List == registry.ListAllow {
				label = "Allow"
			}
			checks = append(checks, &stateCheck{
				Name:     label + ": " + t.Name,
				Topic:    "stat/dns_controller/media/" + t.Name + "/status",
				Endpoint: targetPath("/pihole/status/", t.Name),
			})
		}
	}
	if router {
		for _, name := range reg.Names(registry.KindFirewallRule) {
			checks = append(checks, &stateCheck{
				Name:     "Rule: " + name,
				Topic:    "stat/router_controller/status/" + name,
				Endpoint: targetPath("/ubiquiti/status_rule/", name),
			})
		}
	}
	return checks
}

// fetchMQTT collects the retained value of every topic, returning what
// arrived once all topics were seen or the timeout passed.
func fetchMQTT(broker string, topics []string, timeout time.Duration) (map[string]string, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("overlordctl-" + strconv.Itoa(os.Getpid())).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)

	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	defer client.Disconnect(250)

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 0
	}

	var (
		mu     sync.Mutex
		values = make(map[string]string, len(filters))
		once   sync.Once
		done   = make(chan struct{})
	)
	sub := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := filters[msg.Topic()]; !ok {
			return
		}
		values[msg.Topic()] = string(msg.Payload())
		if len(values) == len(filters) {
			once.Do(func() { close(done) })
		}
	})
	if !sub.WaitTimeout(timeout) {
		return nil, fmt.Errorf("subscribe: timeout")
	}
	if err := sub.Error(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	select {
	case <-done:
	case <-time.After(timeout):
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

// applyMQTT fills the MQTT side of each check.
func applyMQTT(checks []*stateCheck, values map[string]string, err error) {
	for _, c := range checks {
		switch v, ok := values[c.Topic]; {
		case err != nil:
			c.MQTTErr = err.Error()
		case !ok:
			c.MQTTErr = "no retained message"
		default:
			c.MQTTValue = v
		}
	}
}

// fetchAPI fills the API side of every check concurrently.
func fetchAPI(ctx context.Context, api *apiClient, checks []*stateCheck) {
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c *stateCheck) {
			defer wg.Done()
			var resp struct {
				State string `json:"state"`
			}
			if err := api.get(ctx, c.Endpoint, &resp); err != nil {
				c.APIErr = err.Error()
				return
			}
			c.APIValue = resp.State
		}(c)
	}
	wg.Wait()
}

// printDrift renders the report and returns the process exit code: 1 when
// any check drifted or failed.
func printDrift(w io.Writer, checks []*stateCheck) int {
	fmt.Fprintln(w, styleTitle.Render("STATE DRIFT REPORT"))
	fmt.Fprintln(w)

	var drifts, errs int
	for _, c := range checks {
		mqttShown, apiShown := c.MQTTValue, c.APIValue
		if c.MQTTErr != "" {
			mqttShown = "ERROR: " + c.MQTTErr
		}
		if c.APIErr != "" {
			apiShown = "ERROR: " + c.APIErr
		}

		var mark string
		switch {
		case c.failed():
			errs++
			mark = styleAlert.Render("x")
		case !c.matches():
			drifts++
			mark = styleWarn.Render("!")
		default:
			mark = styleGood.Render("ok")
		}

		fmt.Fprintf(w, "%s %s\n", mark, styleName.Render(c.Name))
		fmt.Fprintf(w, "    %s %s\n", styleLabel.Render("MQTT:"), mqttShown)
		fmt.Fprintf(w, "    %s %s\n", styleLabel.Render("API:"), apiShown)
		if !c.failed() && !c.matches() {
			fmt.Fprintf(w, "    %s MQTT=%s vs API=%s\n", styleWarn.Render("DRIFT DETECTED:"),
				normalizeState(c.MQTTValue), normalizeState(c.APIValue))
		}
		fmt.Fprintln(w)
	}

	summary := fmt.Sprintf("Total checks: %d\n  Matching: %d\n  Drifts:   %d\n  Errors:   %d",
		len(checks), len(checks)-drifts-errs, drifts, errs)
	fmt.Fprintln(w, styleSummary.Render(summary))

	if drifts > 0 || errs > 0 {
		return 1
	}
	return 0
}
