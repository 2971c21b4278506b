package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/agent-device/pkg/config"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/runner"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

const simUDID = "5B2C9A0E-1F3D-4C8B-9E7A-2D6F0A1B3C4D"

type bootCall struct {
	id      string
	timeout time.Duration
}

type fakeWaiter struct {
	mu    sync.Mutex
	calls []bootCall
	err   error
}

func (f *fakeWaiter) record(id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bootCall{id, timeout})
	return f.err
}

func (f *fakeWaiter) WaitForBoot(_ context.Context, serial string, timeout time.Duration) error {
	return f.record(serial, timeout)
}

func (f *fakeWaiter) EnsureBooted(_ context.Context, udid string, timeout time.Duration) error {
	return f.record(udid, timeout)
}

type listRunner struct {
	err error
}

func (r listRunner) Run(_ context.Context, name string, args []string, _ toolexec.Options) (toolexec.Result, error) {
	if r.err != nil {
		return toolexec.Result{}, r.err
	}
	return toolexec.Result{Stdout: fmt.Sprintf(`{"devices":{"com.apple.CoreSimulator.SimRuntime.iOS-17-2":[
		{"name":"iPhone 15","udid":%q,"state":"Booted","isAvailable":true}]}}`, simUDID)}, nil
}

type failingBuilder struct{ err error }

func (b failingBuilder) Build(context.Context, device.Device) (string, error) { return "", b.err }

func newTestController(t *testing.T, tools toolexec.Runner, builder runner.Builder) (*Controller, *fakeWaiter, *fakeWaiter) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Timeouts.AndroidBoot = config.Duration(7 * time.Second)
	cfg.Timeouts.IOSBoot = config.Duration(9 * time.Second)

	android, sim := &fakeWaiter{}, &fakeWaiter{}
	c := New(cfg, Options{
		Tools:     tools,
		Android:   android,
		Simulator: sim,
		Runner:    runner.Options{Builder: builder, WorkDir: t.TempDir()},
	})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, android, sim
}

func TestEnsureBooted_RoutesByPlatform(t *testing.T) {
	c, android, sim := newTestController(t, listRunner{}, nil)
	ctx := context.Background()

	require.NoError(t, c.EnsureBooted(ctx, device.Device{ID: "emulator-5554", Platform: device.PlatformAndroid, Kind: device.KindEmulator}))
	require.NoError(t, c.EnsureBooted(ctx, device.Device{ID: simUDID, Platform: device.PlatformIOS, Kind: device.KindSimulator}))
	require.NoError(t, c.EnsureBooted(ctx, device.Device{ID: "00008110-000A", Platform: device.PlatformIOS, Kind: device.KindDevice}))

	assert.Equal(t, []bootCall{{"emulator-5554", 7 * time.Second}}, android.calls)
	assert.Equal(t, []bootCall{{simUDID, 9 * time.Second}}, sim.calls)
}

func TestEnsureBooted_UnknownPlatform(t *testing.T) {
	c, _, _ := newTestController(t, listRunner{}, nil)

	err := c.EnsureBooted(context.Background(), device.Device{ID: "x", Platform: "tvos"})
	assert.True(t, core.HasCode(err, core.CodeUnsupportedOperation))
}

func TestEnsureBooted_PropagatesWaiterError(t *testing.T) {
	c, android, _ := newTestController(t, listRunner{}, nil)
	android.err = core.NewError(core.CodeCommandFailed, "did not finish booting")

	err := c.EnsureBooted(context.Background(), device.Device{ID: "emulator-5554", Platform: device.PlatformAndroid})
	assert.Same(t, android.err, err)
}

func TestResolveIOS(t *testing.T) {
	c, _, _ := newTestController(t, listRunner{}, nil)
	ctx := context.Background()

	sim, err := c.ResolveIOS(ctx, simUDID, "")
	require.NoError(t, err)
	assert.True(t, sim.IsSimulator())
	assert.True(t, sim.Booted)
	assert.Equal(t, "iPhone 15", sim.Name)

	phys, err := c.ResolveIOS(ctx, "00008110-000A", "fd7a::1")
	require.NoError(t, err)
	assert.Equal(t, device.KindDevice, phys.Kind)
	assert.Equal(t, "fd7a::1", phys.TunnelHost)
}

func TestEnsureBooted_SkipsResolvedBootedSimulator(t *testing.T) {
	c, _, sim := newTestController(t, listRunner{}, nil)
	ctx := context.Background()

	dev, err := c.ResolveIOS(ctx, simUDID, "")
	require.NoError(t, err)
	require.NoError(t, c.EnsureBooted(ctx, dev))
	assert.Empty(t, sim.calls)
}

func TestResolveIOS_ToolMissing(t *testing.T) {
	c, _, _ := newTestController(t, listRunner{err: toolexec.MissingTool("xcrun", nil)}, nil)

	_, err := c.ResolveIOS(context.Background(), simUDID, "")
	assert.True(t, toolexec.IsToolMissing(err))
}

func TestDispatchCommand_BootsSimulatorBeforeBuild(t *testing.T) {
	buildErr := errors.New("xcodebuild exploded")
	c, _, sim := newTestController(t, listRunner{}, failingBuilder{buildErr})
	dev := device.Device{ID: simUDID, Platform: device.PlatformIOS, Kind: device.KindSimulator}

	_, err := c.DispatchCommand(context.Background(), dev, runner.Simple(runner.KindHome), 0)
	assert.ErrorIs(t, err, buildErr)
	assert.Len(t, sim.calls, 1)
}

func TestDispatchCommand_RejectsAndroid(t *testing.T) {
	c, android, _ := newTestController(t, listRunner{}, nil)
	dev := device.Device{ID: "emulator-5554", Platform: device.PlatformAndroid}

	_, err := c.DispatchCommand(context.Background(), dev, runner.Simple(runner.KindHome), 0)
	assert.True(t, core.HasCode(err, core.CodeUnsupportedOperation))
	assert.Empty(t, android.calls)
}

func TestSessionLifecycle_NoSession(t *testing.T) {
	c, _, _ := newTestController(t, listRunner{}, nil)

	_, err := c.Session(simUDID)
	assert.True(t, core.HasCode(err, core.CodeSessionNotFound))
	assert.NoError(t, c.StopSession(context.Background(), simUDID))
	assert.NoError(t, c.Close(context.Background()))
}

func TestNew_DefaultsFromConfig(t *testing.T) {
	c := New(nil, Options{Tools: listRunner{}})
	assert.Equal(t, config.Defaults().Timeouts, c.Config().Timeouts)
}
