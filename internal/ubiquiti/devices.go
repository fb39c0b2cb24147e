package ubiquiti

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/metrics"
)

type stationCommand struct {
	Cmd string `json:"cmd"`
	MAC string `json:"mac"`
}

type station struct {
	MAC     string `json:"mac"`
	Name    string `json:"name"`
	Blocked *bool  `json:"blocked"`
}

func deviceKey(mac string) string {
	return "device/" + mac
}

// DeviceStatus reports whether the device may use the network: enabled
// means not blocked.
func (c *Controller) DeviceStatus(ctx context.Context, mac string) (backend.State, error) {
	mac = strings.ToLower(mac)
	if allowed, ok := c.cache.RuleState(deviceKey(mac), 0); ok {
		metrics.Get().ObserveCache(backendName, true)
		return backend.FromBool(allowed), nil
	}
	metrics.Get().ObserveCache(backendName, false)

	epoch := c.cache.Epoch()
	var blocked bool
	err := c.run(ctx, func(ctx context.Context) error {
		var stations []station
		if err := c.do(ctx, http.MethodGet, c.sitePath("stat/user/"+mac), nil, &stations); err != nil {
			return err
		}
		if len(stations) == 0 {
			return fmt.Errorf("%w: device %s", backend.ErrNotFound, mac)
		}
		if stations[0].Blocked == nil {
			// Never-blocked clients omit the field.
			blocked = false
			return nil
		}
		blocked = *stations[0].Blocked
		return nil
	})
	if err != nil {
		return backend.StateUnknown, err
	}
	c.cache.PutRuleState(epoch, deviceKey(mac), !blocked)
	return backend.FromBool(!blocked), nil
}

// DeviceBlock blocks the device.
func (c *Controller) DeviceBlock(ctx context.Context, mac string) error {
	return c.station(ctx, "block-sta", mac)
}

// DeviceUnblock unblocks the device.
func (c *Controller) DeviceUnblock(ctx context.Context, mac string) error {
	return c.station(ctx, "unblock-sta", mac)
}

// station issues a station manager command. The controller treats repeated
// commands as no-ops, so no read precedes it.
func (c *Controller) station(ctx context.Context, cmd, mac string) error {
	mac = strings.ToLower(mac)
	var epoch uint64
	err := c.run(ctx, func(ctx context.Context) error {
		epoch = c.cache.Epoch()
		return c.do(ctx, http.MethodPost, c.sitePath("cmd/stamgr"), stationCommand{Cmd: cmd, MAC: mac}, nil)
	})
	if err != nil {
		c.cache.ForgetRuleState(deviceKey(mac))
		return err
	}
	c.log.Info("station command sent", "cmd", cmd, "mac", mac)
	c.cache.PutRuleState(epoch, deviceKey(mac), cmd == "unblock-sta")
	return nil
}

// Rules returns the firewall-rule toggle capability.
func (c *Controller) Rules() backend.Toggler {
	return ruleToggler{c}
}

// Devices returns the device toggle capability. Enable unblocks, disable
// blocks.
func (c *Controller) Devices() backend.Toggler {
	return deviceToggler{c}
}

type ruleToggler struct{ c *Controller }

func (t ruleToggler) Status(ctx context.Context, id string) (backend.State, error) {
	return t.c.RuleStatus(ctx, id)
}

func (t ruleToggler) Enable(ctx context.Context, id string) error {
	return t.c.RuleEnable(ctx, id)
}

func (t ruleToggler) Disable(ctx context.Context, id string) error {
	return t.c.RuleDisable(ctx, id)
}

type deviceToggler struct{ c *Controller }

func (t deviceToggler) Status(ctx context.Context, id string) (backend.State, error) {
	return t.c.DeviceStatus(ctx, id)
}

func (t deviceToggler) Enable(ctx context.Context, id string) error {
	return t.c.DeviceUnblock(ctx, id)
}

func (t deviceToggler) Disable(ctx context.Context, id string) error {
	return t.c.DeviceBlock(ctx, id)
}
