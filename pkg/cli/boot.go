package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var bootCommand = &cli.Command{
	Name:  "boot",
	Usage: "Boot a simulator or wait for an Android device to finish booting",
	Description: `Ensure the device is ready for automation. iOS simulators are booted
and confirmed with simctl bootstatus; Android devices are polled until
sys.boot_completed reports 1. Physical iOS devices need no boot step.

Timeouts come from config.yaml or AGENT_DEVICE_IOS_BOOT_TIMEOUT_MS /
AGENT_DEVICE_ANDROID_BOOT_TIMEOUT_MS.

Examples:
  agent-device -p ios --device <UDID> boot
  agent-device -p android --device emulator-5554 boot`,
	Action: runBoot,
}

func runBoot(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	dev, err := resolveDevice(e, c)
	if err != nil {
		return err
	}

	printSetupStep(fmt.Sprintf("Booting %s...", dev))
	if err := e.ctl.EnsureBooted(e.ctx, dev); err != nil {
		return err
	}
	printSetupSuccess(fmt.Sprintf("%s is booted", dev))
	fmt.Fprintln(os.Stdout, dev.ID)
	return nil
}
