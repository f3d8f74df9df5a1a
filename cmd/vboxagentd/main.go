package main

import (
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Thorsten-Sick/vmcloak/agent"
	"github.com/Thorsten-Sick/vmcloak/cmd/flags"
	"github.com/Thorsten-Sick/vmcloak/hypervisor"
)

var cliFlags = slices.Concat([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the VM API",
	},
	&cli.StringFlag{
		Name:  "vboxmanage",
		Value: hypervisor.DefaultVBoxManagePath,
		Usage: "VBoxManage executable",
	},
	&cli.StringFlag{
		Name:  "vm-dir",
		Usage: "base folder for machines and disk images (default: VirtualBox machine folder)",
	},
	&cli.StringFlag{
		Name:  "hostonly-adapter",
		Value: "vboxnet0",
		Usage: "host-only interface VMs attach to",
	},
}, flags.LoggingFlags, flags.ServerFlags)

func main() {
	app := &cli.App{
		Name:  "vboxagentd",
		Usage: "Serve VirtualBox operations over HTTP for remote vmcloak drivers",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			driver := hypervisor.NewVBoxManage(logger, hypervisor.VBoxConfig{
				Program:         cCtx.String("vboxmanage"),
				VMDir:           cCtx.String("vm-dir"),
				HostOnlyAdapter: cCtx.String("hostonly-adapter"),
			})

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			srv, err := agent.New(cfg, agent.NewHandler(driver, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
