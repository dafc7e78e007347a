package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/igprov/internal/api"
	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/client"
	"github.com/seantiz/igprov/internal/model"
)

var flagAddr = &cli.StringFlag{
	Name:    "addr",
	Value:   "unix:/run/igprovd.sock",
	EnvVars: []string{"IGPROVD_ADDR"},
	Usage:   "daemon address: unix:/path, host:port or URL",
}

var flagOutput = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Value:   formatText,
	Usage:   "output format: text, json or yaml",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "request timeout",
}

var flagWait = &cli.BoolFlag{
	Name:  "wait",
	Usage: "wait for the worker's terminal status",
}

var endpointFlags = []cli.Flag{
	&cli.StringFlag{Name: "url", Required: true, Usage: "provisioning endpoint URL"},
	&cli.StringFlag{Name: "cert-file", Usage: "PEM file with client certificate and key"},
	&cli.StringFlag{Name: "username", Usage: "basic auth username"},
	&cli.StringFlag{Name: "password", EnvVars: []string{"IGPROV_PASSWORD"}, Usage: "basic auth password"},
	flagWait,
}

func main() {
	app := &cli.App{
		Name:  "provctl",
		Usage: "control the gateway provisioning daemon",
		Flags: []cli.Flag{flagAddr, flagOutput, flagTimeout},
		Commands: []*cli.Command{
			{
				Name:  "provision",
				Usage: "provision the backend selected by --url",
				Flags: endpointFlags,
				Action: provisionAction(func(ctx context.Context, c *client.Client, url string, auth backend.AuthParams) (api.StatusResponse, error) {
					return c.Provision(ctx, url, auth)
				}),
			},
			{
				Name:  "download",
				Usage: "stage a core download without applying it",
				Flags: endpointFlags,
				Action: provisionAction(func(ctx context.Context, c *client.Client, url string, auth backend.AuthParams) (api.StatusResponse, error) {
					return c.CoreDownload(ctx, url, auth)
				}),
			},
			{
				Name:   "update",
				Usage:  "apply a staged core download",
				Flags:  []cli.Flag{flagWait},
				Action: updateAction,
			},
			{
				Name:   "logsync",
				Usage:  "copy core runtime logs",
				Action: logSyncAction,
			},
			{
				Name:   "status",
				Usage:  "show provisioning status and flags",
				Action: statusAction,
			},
			{
				Name:   "watch",
				Usage:  "stream status changes",
				Action: watchAction,
			},
			{
				Name:  "history",
				Usage: "list recorded status transitions",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset", Value: 0},
				},
				Action: historyAction,
			},
			{
				Name:   "backends",
				Usage:  "list backends and their provisioned flags",
				Action: backendsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "provctl: %v\n", err)
		os.Exit(1)
	}
}

type startFunc func(ctx context.Context, c *client.Client, url string, auth backend.AuthParams) (api.StatusResponse, error)

func provisionAction(start startFunc) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		auth, err := authFromFlags(cCtx)
		if err != nil {
			return err
		}
		url := cCtx.String("url")
		return startAndReport(cCtx, func(ctx context.Context, c *client.Client) (api.StatusResponse, error) {
			return start(ctx, c, url, auth)
		})
	}
}

func updateAction(cCtx *cli.Context) error {
	return startAndReport(cCtx, func(ctx context.Context, c *client.Client) (api.StatusResponse, error) {
		return c.CoreUpdate(ctx)
	})
}

// startAndReport runs start and prints its result. With --wait it
// subscribes to the event stream first so the terminal status cannot be
// missed.
func startAndReport(cCtx *cli.Context, start func(context.Context, *client.Client) (api.StatusResponse, error)) error {
	c := client.New(cCtx.String(flagAddr.Name))
	out := newPrinter(cCtx.String(flagOutput.Name))

	if !cCtx.Bool(flagWait.Name) {
		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()
		resp, err := start(ctx, c)
		if err != nil {
			return err
		}
		return out.status(resp)
	}

	var final *model.Transition
	err := c.Watch(cCtx.Context, func(ev client.Event) error {
		switch {
		case ev.Properties != nil:
			resp, err := start(cCtx.Context, c)
			if err != nil {
				return err
			}
			return out.status(resp)
		case ev.Transition != nil:
			if err := out.transition(*ev.Transition); err != nil {
				return err
			}
			if ev.Transition.Source == model.SourceWorker && !ev.Transition.Status.InProgress() {
				final = ev.Transition
				return client.ErrStopWatch
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if final == nil {
		return fmt.Errorf("daemon stopped before the operation finished")
	}
	if final.Status.Failed() {
		return fmt.Errorf("provisioning failed: %s", final.StatusName)
	}
	return nil
}

func authFromFlags(cCtx *cli.Context) (backend.AuthParams, error) {
	auth := backend.AuthParams{
		Username: cCtx.String("username"),
		Password: cCtx.String("password"),
	}
	if path := cCtx.String("cert-file"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return auth, fmt.Errorf("read certificate: %w", err)
		}
		auth.ClientCert = string(pem)
	}
	return auth, nil
}

func logSyncAction(cCtx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	res, err := client.New(cCtx.String(flagAddr.Name)).SyncLogs(ctx)
	if err != nil {
		return err
	}
	if err := newPrinter(cCtx.String(flagOutput.Name)).value(api.SyncLogsResponse{Result: res}, fmt.Sprintf("result: %d", res)); err != nil {
		return err
	}
	if res != 0 {
		return fmt.Errorf("log sync failed")
	}
	return nil
}

func statusAction(cCtx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	props, err := client.New(cCtx.String(flagAddr.Name)).Properties(ctx)
	if err != nil {
		return err
	}
	return newPrinter(cCtx.String(flagOutput.Name)).properties(props)
}

func watchAction(cCtx *cli.Context) error {
	out := newPrinter(cCtx.String(flagOutput.Name))
	return client.New(cCtx.String(flagAddr.Name)).Watch(cCtx.Context, func(ev client.Event) error {
		switch {
		case ev.Properties != nil:
			return out.properties(*ev.Properties)
		case ev.Transition != nil:
			return out.transition(*ev.Transition)
		}
		return nil
	})
}

func historyAction(cCtx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	hist, err := client.New(cCtx.String(flagAddr.Name)).History(ctx, cCtx.Int("limit"), cCtx.Int("offset"))
	if err != nil {
		return err
	}
	return newPrinter(cCtx.String(flagOutput.Name)).history(hist)
}

func backendsAction(cCtx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	backends, err := client.New(cCtx.String(flagAddr.Name)).Backends(ctx)
	if err != nil {
		return err
	}
	return newPrinter(cCtx.String(flagOutput.Name)).backends(backends)
}
