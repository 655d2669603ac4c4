// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

// setupCommand initializes configuration, database and storage directories.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Create config, initialize database and run migrations",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// formatsCommand inspects the service catalog
func formatsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "formats",
		Usage: "Inspect formats and services in the catalog",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show a format and whether it is at risk",
				Arguments: []cli.Argument{&cli.StringArg{Name: "id"}},
				Flags:     []cli.Flag{configFlag(), jsonFlag()},
				Action:    r.FormatsShow,
			},
			{
				Name:      "services",
				Usage:     "List services accepting a format",
				Arguments: []cli.Argument{&cli.StringArg{Name: "id"}},
				Flags:     []cli.Flag{configFlag(), jsonFlag()},
				Action:    r.FormatsServices,
			},
		},
	}
}

// composeCommand lists ranked transformation chains for a format
func composeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "compose",
		Usage:     "Compose ranked transformation chains away from a format",
		Arguments: []cli.Argument{&cli.StringArg{Name: "format"}},
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringSliceFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "Acceptable target format (repeatable); default is any format not at risk",
			},
			&cli.StringFlag{
				Name:  "shape",
				Usage: "Keep only chains of this shape (ONE_TO_ONE, ONE_TO_MANY, MANY_TO_ONE)",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Traverse only services of this kind (MIGRATION, CONVERSION)",
			},
			&cli.IntFlag{
				Name:  "max-hops",
				Usage: "Override the configured chain length bound",
			},
			jsonFlag(),
		},
		Action: r.Compose,
	}
}

// planCommand manages migration plans
func planCommand(r *Runner) *cli.Command {
	idArg := func() []cli.Argument { return []cli.Argument{&cli.StringArg{Name: "id"}} }
	return &cli.Command{
		Name:  "plan",
		Usage: "Build, inspect and run migration plans",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Build a plan from a JSON or XML descriptor (- for stdin)",
				Arguments: []cli.Argument{&cli.StringArg{Name: "descriptor"}},
				Flags:     []cli.Flag{configFlag(), jsonFlag()},
				Action:    r.PlanCreate,
			},
			{
				Name:  "list",
				Usage: "List plans",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "status", Usage: "Only plans in this status"},
					&cli.StringFlag{Name: "owner", Usage: "Only plans of this owner"},
					&cli.StringFlag{Name: "awaiting", Usage: "Only plans waiting for this object"},
					jsonFlag(),
				},
				Action: r.PlanList,
			},
			{
				Name:      "show",
				Usage:     "Show a plan with its paths and items",
				Arguments: idArg(),
				Flags:     []cli.Flag{configFlag(), jsonFlag()},
				Action:    r.PlanShow,
			},
			{
				Name:      "select",
				Usage:     "Select the active migration path of a plan",
				Arguments: []cli.Argument{&cli.StringArg{Name: "plan"}, &cli.StringArg{Name: "path"}},
				Flags:     []cli.Flag{configFlag()},
				Action:    r.PlanSelect,
			},
			{
				Name:      "start",
				Usage:     "Run a READY or PAUSED plan in the foreground",
				Arguments: idArg(),
				Flags:     []cli.Flag{configFlag()},
				Action:    r.PlanStart,
			},
			{
				Name:      "pause",
				Usage:     "Pause a running plan after the items in flight",
				Arguments: idArg(),
				Flags:     []cli.Flag{configFlag()},
				Action:    r.PlanPause,
			},
			{
				Name:      "finish",
				Usage:     "Finish a running or paused plan, abandoning pending items",
				Arguments: idArg(),
				Flags:     []cli.Flag{configFlag()},
				Action:    r.PlanFinish,
			},
			{
				Name:      "delete",
				Usage:     "Delete a plan that is not running",
				Arguments: idArg(),
				Flags:     []cli.Flag{configFlag()},
				Action:    r.PlanDelete,
			},
			{
				Name:      "export",
				Usage:     "Export a plan report",
				Arguments: idArg(),
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Report format (csv, markdown, json, txt)",
						Value:   "markdown",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (- for stdout)",
					},
				},
				Action: r.PlanExport,
			},
		},
	}
}

// gateCommand inspects the asynchronous task gate
func gateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "gate",
		Usage: "Inspect asynchronous gate requests",
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show the status of a gate token",
				Arguments: []cli.Argument{&cli.StringArg{Name: "token"}},
				Flags:     []cli.Flag{configFlag(), jsonFlag()},
				Action:    r.GateStatus,
			},
			{
				Name:   "reap",
				Usage:  "Delete expired results once",
				Flags:  []cli.Flag{configFlag()},
				Action: r.GateReap,
			},
		},
	}
}

// serveCommand runs the HTTP API, the executor and the reaper
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run plans until interrupted",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.host and server.port)",
			},
		},
		Action: r.Serve,
	}
}

// tuiCommand returns the top-level TUI command for interactive plan monitoring.
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "tui",
		Aliases: []string{"interactive", "ui"},
		Usage:   "Launch interactive TUI for plan monitoring",
		Flags:   []cli.Flag{configFlag()},
		Action:  r.TUI,
	}
}
