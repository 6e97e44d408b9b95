package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(app *App) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration as JSON and which files it was loaded from.",
		Args:  0,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, app)
		},
	}
}

func execPrintConfig(o *IO, app *App) error {
	if err := o.JSON(app.Cfg); err != nil {
		return err
	}

	src := app.Cfg.Sources

	o.Println("")
	o.Println("# sources")

	if src.Global == "" && src.Project == "" {
		o.Println("(defaults only)")
	} else {
		if src.Global != "" {
			o.Println("global_config=" + src.Global)
		}

		if src.Project != "" {
			o.Println("project_config=" + src.Project)
		}
	}

	return nil
}
