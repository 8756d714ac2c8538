package main

import (
	"fmt"
	"os"

	"github.com/kairos-io/bbki/internal/cmd"
	"github.com/kairos-io/bbki/internal/utils"
	"github.com/kairos-io/bbki/internal/version"
	"github.com/urfave/cli/v2"
)

// Manage the kernel, initramfs and bootloader of a host.
func main() {
	app := cli.NewApp()
	app.Name = "bbki"
	app.Usage = "boot stack coordinator"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Flags = cmd.Flags
	app.Commands = cmd.Commands
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		version.Get().Fields(utils.Log.Debug()).Str("root", c.String("root")).Msg("bbki")
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
