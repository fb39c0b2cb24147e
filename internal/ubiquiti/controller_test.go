package ubiquiti

import (
	"context"
	"testing"
	"time"

	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	routeRules   = "GET /proxy/network/api/s/{site}/rest/firewallrule"
	routeUpdate  = "PUT /proxy/network/api/s/{site}/rest/firewallrule/{id}"
	routeStation = "POST /proxy/network/api/s/{site}/cmd/stamgr"
	routeUser    = "GET /proxy/network/api/s/{site}/stat/user/{mac}"
	routeLogin   = "POST /api/auth/login"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{URL: "not a url"})
	assert.Error(t, err)

	_, err = New(Config{URL: "https://unifi.lan"})
	assert.Error(t, err, "credentials are required")

	c, err := New(Config{URL: "https://unifi.lan:8443/", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "unifi.lan:8443", c.Name())
	assert.Equal(t, "/proxy/network/api/s/default/rest/firewallrule", c.sitePath("rest/firewallrule"))
}

func TestRuleStatus(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	state, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)
	assert.Equal(t, backend.StateDisabled, state)

	// One listing fills the snapshot for every rule.
	state, err = c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state)
	assert.Equal(t, 1, f.count(routeRules))

	_, err = c.RuleStatus(ctx, "No_Such_Rule")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestRuleEnableDisable(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	require.NoError(t, c.RuleEnable(ctx, "Block_Gaming"))
	assert.True(t, f.ruleEnabled("Block_Gaming"))
	assert.Equal(t, 1, f.count(routeUpdate))

	state, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state)

	// The full object goes back, not just the flag.
	f.set(func(f *fakeUnifi) {
		assert.Equal(t, "drop", f.rules[0]["action"])
		assert.Equal(t, "LAN_IN", f.rules[0]["ruleset"])
	})

	require.NoError(t, c.RuleDisable(ctx, "Block_Gaming"))
	assert.False(t, f.ruleEnabled("Block_Gaming"))
	assert.Equal(t, 2, f.count(routeUpdate))
}

func TestRuleToggleIdempotent(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	require.NoError(t, c.RuleEnable(ctx, "Block_Social"))
	require.NoError(t, c.RuleEnable(ctx, "Block_Social"))
	assert.Equal(t, 0, f.count(routeUpdate))
	assert.Equal(t, 2, f.count(routeRules), "each toggle reads live")
}

func TestRuleToggleReadsLive(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	_, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)

	// Changed on the controller behind our back.
	f.set(func(f *fakeUnifi) { f.rules[0]["enabled"] = true })

	require.NoError(t, c.RuleDisable(ctx, "Block_Gaming"))
	assert.Equal(t, 1, f.count(routeUpdate))
	assert.False(t, f.ruleEnabled("Block_Gaming"))
}

func TestRefreshDuringToggleWins(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	f.onUpdate = c.Cache().ForceRefresh
	require.NoError(t, c.RuleEnable(ctx, "Block_Gaming"))
	assert.Equal(t, 1, f.count(routeRules))

	_, ok := c.Cache().RuleState("Block_Gaming", 0)
	assert.False(t, ok, "toggle must not repopulate a snapshot refreshed under it")

	state, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state)
	assert.Equal(t, 2, f.count(routeRules))
}

func TestRefresh(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	_, err := c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)

	f.set(func(f *fakeUnifi) {
		f.rules[1]["enabled"] = false
		f.rules = append(f.rules, map[string]any{"_id": "r3", "name": "Block_Video", "enabled": true})
	})

	state, err := c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state, "snapshot still fresh")

	names, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Block_Gaming", "Block_Social", "Block_Video"}, names)

	state, err = c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)
	assert.Equal(t, backend.StateDisabled, state)
	assert.Equal(t, 2, f.count(routeRules))
}

func TestSnapshotExpires(t *testing.T) {
	f := newFakeUnifi()
	now := time.Now()
	clock := func() time.Time { return now }
	c := newTestController(t, f.server(t).URL, func(cfg *Config) { cfg.Now = clock })
	ctx := context.Background()

	_, err := c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(routeRules))
}

func TestLoginSession(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL, withLogin)
	ctx := context.Background()

	require.NoError(t, c.RuleEnable(ctx, "Block_Gaming"))
	require.NoError(t, c.DeviceBlock(ctx, "aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, 1, f.count(routeLogin), "session is reused")
	assert.Equal(t, 1, c.Cache().Logins())

	sess, ok := c.Cache().Peek()
	require.True(t, ok)
	assert.Equal(t, "tok-1", sess.Handle)
	assert.Equal(t, "csrf-tok-1", sess.CSRF)
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL, withLogin, func(cfg *Config) { cfg.Password = "wrong" })

	_, err := c.RuleStatus(context.Background(), "Block_Gaming")
	assert.ErrorIs(t, err, backend.ErrAuthFailed)
	assert.Equal(t, 0, f.count(routeRules))
}

func TestSessionRejectedOnce(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL, withLogin)
	ctx := context.Background()

	_, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)

	// Controller restarted and forgot every token.
	f.set(func(f *fakeUnifi) { f.tokens = make(map[string]bool) })

	require.NoError(t, c.RuleEnable(ctx, "Block_Gaming"))
	assert.True(t, f.ruleEnabled("Block_Gaming"))
	assert.Equal(t, 2, f.count(routeLogin))
}

func TestSessionRecoveryRereadsRules(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL, withLogin)
	ctx := context.Background()

	_, err := c.RuleStatus(ctx, "Block_Gaming")
	require.NoError(t, err)

	f.set(func(f *fakeUnifi) {
		f.tokens = make(map[string]bool)
		f.rules[1]["enabled"] = false
	})

	// A device command knows nothing about rules, yet the recovery
	// re-reads all of them under the new session.
	require.NoError(t, c.DeviceBlock(ctx, "aa:bb:cc:dd:ee:ff"))
	assert.True(t, f.isBlocked("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, 2, c.Cache().Logins())
	assert.Equal(t, 2, f.count(routeRules))

	state, err := c.RuleStatus(ctx, "Block_Social")
	require.NoError(t, err)
	assert.Equal(t, backend.StateDisabled, state)
	assert.Equal(t, 2, f.count(routeRules), "served from the re-read snapshot")
}

func TestSessionRejectedTwice(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []option
	}{
		{"api key", nil},
		{"login", []option{withLogin}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeUnifi()
			f.rejectAll = true
			c := newTestController(t, f.server(t).URL, tc.opts...)

			err := c.RuleEnable(context.Background(), "Block_Gaming")
			assert.ErrorIs(t, err, backend.ErrAuthFailed)
			assert.Equal(t, 2, f.count(routeRules), "one retry after re-authentication")
			assert.Equal(t, 0, f.count(routeUpdate))
		})
	}
}

func TestUnreachable(t *testing.T) {
	f := newFakeUnifi()
	f.broken = true
	c := newTestController(t, f.server(t).URL)

	_, err := c.RuleStatus(context.Background(), "Block_Gaming")
	assert.ErrorIs(t, err, backend.ErrUnreachable)
	assert.Equal(t, 3, f.count(routeRules), "bounded retries")
}

func TestControllerDown(t *testing.T) {
	f := newFakeUnifi()
	srv := f.server(t)
	c := newTestController(t, srv.URL)
	srv.Close()

	err := c.DeviceBlock(context.Background(), "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, backend.ErrUnreachable)
}

func TestEnvelopeError(t *testing.T) {
	f := newFakeUnifi()
	f.rcError = true
	c := newTestController(t, f.server(t).URL)

	_, err := c.RuleStatus(context.Background(), "Block_Gaming")
	assert.ErrorIs(t, err, backend.ErrInconsistent)
	assert.Equal(t, 1, f.count(routeRules), "not retried")
}

func TestDevices(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()
	const mac = "AA:BB:CC:DD:EE:FF"

	state, err := c.DeviceStatus(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state)

	require.NoError(t, c.DeviceBlock(ctx, mac))
	assert.True(t, f.isBlocked("aa:bb:cc:dd:ee:ff"))

	state, err = c.DeviceStatus(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, backend.StateDisabled, state)
	assert.Equal(t, 1, f.count(routeUser), "status after a command comes from the snapshot")

	// Blocking twice still sends the command.
	require.NoError(t, c.DeviceBlock(ctx, mac))
	require.NoError(t, c.DeviceUnblock(ctx, mac))
	assert.False(t, f.isBlocked("aa:bb:cc:dd:ee:ff"))

	f.set(func(f *fakeUnifi) {
		assert.Equal(t, []string{
			"block-sta aa:bb:cc:dd:ee:ff",
			"block-sta aa:bb:cc:dd:ee:ff",
			"unblock-sta aa:bb:cc:dd:ee:ff",
		}, f.commands)
	})
}

func TestDeviceUnknown(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)

	_, err := c.DeviceStatus(context.Background(), "11:22:33:44:55:66")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestTogglerViews(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	ctx := context.Background()

	rules := c.Rules()
	require.NoError(t, rules.Enable(ctx, "Block_Gaming"))
	state, err := rules.Status(ctx, "Block_Gaming")
	require.NoError(t, err)
	assert.Equal(t, backend.StateEnabled, state)

	devices := c.Devices()
	require.NoError(t, devices.Disable(ctx, "aa:bb:cc:dd:ee:ff"))
	assert.True(t, f.isBlocked("aa:bb:cc:dd:ee:ff"))
	require.NoError(t, devices.Enable(ctx, "aa:bb:cc:dd:ee:ff"))
	assert.False(t, f.isBlocked("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, 2, f.count(routeStation))
}

func TestPing(t *testing.T) {
	f := newFakeUnifi()
	c := newTestController(t, f.server(t).URL)
	assert.NoError(t, c.Ping(context.Background()))

	f.set(func(f *fakeUnifi) { f.broken = true })
	assert.ErrorIs(t, c.Ping(context.Background()), backend.ErrUnreachable)
}
