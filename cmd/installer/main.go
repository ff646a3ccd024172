// Command installer runs the boot-time installer core (spec.md
// component C6) against a set of file-backed flash images: it verifies
// every staging slot, dispatches any pending install/rollback command,
// and falls back to repair or rescue installation exactly as a real
// bootloader would on the next reset.
package main

import (
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mp-commits/reliable-fw-update/internal/command"
	"github.com/mp-commits/reliable-fw-update/internal/config"
	"github.com/mp-commits/reliable-fw-update/internal/installer"
	"github.com/mp-commits/reliable-fw-update/internal/scratch"
)

var flagConfig string

func buildInstaller(cfg *config.Config) (*installer.Installer, error) {
	keystore, err := cfg.LoadKeystore()
	if err != nil {
		return nil, err
	}

	flash, err := cfg.OpenInternalFlashDriver()
	if err != nil {
		return nil, err
	}

	regions, err := cfg.OpenSlotRegions()
	if err != nil {
		return nil, err
	}

	caRegion, err := cfg.OpenCommandAreaRegion()
	if err != nil {
		return nil, err
	}
	ca, err := command.Init(caRegion)
	if err != nil {
		return nil, err
	}

	store := scratch.NewFileStore(cfg.Images.Scratch)
	scr, err := scratch.Init(store)
	if err != nil {
		return nil, err
	}

	return installer.New(flash, cfg.Internal.Sectors, cfg.Internal.InstallerAddresses(), regions, ca, scr, keystore), nil
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	inst, err := buildInstaller(cfg)
	if err != nil {
		return err
	}

	inst.InitAreas()

	if inst.CheckInstallRequest() {
		color.Green("installer: pending command completed successfully")
		return nil
	}

	if inst.TryRepair() {
		color.Yellow("installer: running application was repaired from its staged copy")
		return nil
	}

	if meta, ok := inst.TryInstallRescueApp(); ok {
		color.Red("installer: no viable firmware remained, installed rescue image %q", meta.NameString())
		return nil
	}

	log.Warnf("installer: nothing to do, running application unchanged")
	return nil
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "installer",
		Short: "Runs one boot-time pass of the installer core against file-backed flash images",
		RunE:  runBoot,
	}
	root.Flags().StringVar(&flagConfig, "config", "config.yaml", "path to the device configuration file")
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("installer: %v", err)
	}
}
