// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/forkbombeu/mobileflow/internal/config"
	"github.com/forkbombeu/mobileflow/internal/device"
	"github.com/forkbombeu/mobileflow/internal/lifecycle"
	"github.com/forkbombeu/mobileflow/internal/publish"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err = newRootCommand(ctx, os.Stdout, os.Stderr).Execute()
	_ = shutdown(context.Background())
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the CLI. Machine-readable output goes to stdout; in
// JSON modes the structured logs move to stderr.
func newRootCommand(ctx context.Context, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "mobileflow",
		Short:         "Provision, boot and test a mobile device for Maestro flows (CI-friendly)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// run
	var reportJSON bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Clean, provision, boot, install, run flows and tear down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportJSON {
				device.SetLogOutput(stderr)
			}
			cfg, env, err := loadEnv(ctx, cmd)
			if err != nil {
				return err
			}
			tools, err := lifecycle.NewToolkit(env)
			if err != nil {
				return err
			}
			if fr, ok := tools.Flows.(*device.FlowRunner); ok && reportJSON {
				fr.WithOutput(stderr, stderr)
			}
			o, err := lifecycle.New(env, tools, cfg.Options())
			if err != nil {
				return err
			}
			report, runErr := o.Run(ctx)
			if reportJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return errors.Join(runErr, err)
				}
			} else if report != nil {
				fmt.Fprintf(stdout, "Run %s: state=%s launches=%d passed=%t\n",
					env.CorrelationID, report.State, report.Launches, report.Passed)
			}
			return runErr
		},
	}
	config.AddRunFlags(runCmd.Flags())
	runCmd.Flags().BoolVar(&reportJSON, "report-json", false, "print the run report as JSON")
	root.AddCommand(runCmd)

	// ps
	var psJSON bool
	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List running devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if psJSON {
				device.SetLogOutput(stderr)
			}
			_, env, err := loadEnv(ctx, cmd)
			if err != nil {
				return err
			}
			reg, err := lifecycle.NewRegistry(env)
			if err != nil {
				return err
			}
			handles, err := reg.ListDevices(ctx)
			if err != nil {
				return err
			}
			if psJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(handles)
			}
			table := uitable.New()
			table.AddRow("SERIAL", "PORT", "NAME", "STATE")
			for _, h := range handles {
				port := "-"
				if h.Port > 0 {
					port = fmt.Sprint(h.Port)
				}
				table.AddRow(h.Serial, port, h.Name, h.State.String())
			}
			fmt.Fprintln(stdout, table)
			return nil
		},
	}
	config.AddRunFlags(psCmd.Flags())
	psCmd.Flags().BoolVar(&psJSON, "json", false, "output JSON")
	root.AddCommand(psCmd)

	// create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the device image, replacing an existing one with the same name",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, env, err := loadEnv(ctx, cmd)
			if err != nil {
				return err
			}
			p, err := lifecycle.NewProvisioner(env)
			if err != nil {
				return err
			}
			if err := p.Create(ctx, cfg.Spec()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Created %s\n", cfg.ImageName)
			return nil
		},
	}
	config.AddRunFlags(createCmd.Flags())
	root.AddCommand(createCmd)

	// delete
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the device image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, env, err := loadEnv(ctx, cmd)
			if err != nil {
				return err
			}
			p, err := lifecycle.NewProvisioner(env)
			if err != nil {
				return err
			}
			exists, err := p.Exists(ctx, cfg.ImageName)
			if err != nil {
				return err
			}
			if !exists {
				fmt.Fprintf(stdout, "%s does not exist\n", cfg.ImageName)
				return nil
			}
			if err := p.Delete(ctx, cfg.ImageName); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deleted %s\n", cfg.ImageName)
			return nil
		},
	}
	config.AddRunFlags(deleteCmd.Flags())
	root.AddCommand(deleteCmd)

	// wait-boot
	var wbSerial string
	waitCmd := &cobra.Command{
		Use:   "wait-boot",
		Short: "Poll a running device until it reports boot completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wbSerial == "" {
				return errors.New("--serial is required")
			}
			cfg, env, err := loadEnv(ctx, cmd)
			if err != nil {
				return err
			}
			w, err := lifecycle.NewBootWaiter(env)
			if err != nil {
				return err
			}
			attempt := w.WaitForBoot(ctx, wbSerial, cfg.MaxPollAttempts)
			switch attempt.Outcome {
			case device.OutcomeBooted:
				fmt.Fprintf(stdout, "%s booted after %d polls (%s)\n", wbSerial, attempt.Number, attempt.Wait)
				return nil
			case device.OutcomeTimedOut:
				return device.NewError(device.KindBootTimeout, wbSerial,
					fmt.Errorf("not booted after %d polls", attempt.Number))
			}
			return device.NewError(device.KindDevice, wbSerial, attempt.Err)
		},
	}
	config.AddRunFlags(waitCmd.Flags())
	waitCmd.Flags().StringVar(&wbSerial, "serial", "", "device serial or simulator UDID")
	root.AddCommand(waitCmd)

	// upload
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload screenshots to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadPublish(cmd.Flags())
			if err != nil {
				return err
			}
			env := publishEnv(ctx)
			client, err := publish.NewMinIOClient(p.S3)
			if err != nil {
				return err
			}
			res, err := publish.NewUploader(env, client).UploadFolder(ctx, p.Upload)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Uploaded %d files to s3://%s/%s\n", len(res.Keys), p.Upload.Bucket,
				publish.KeyPrefix(p.Upload.Project, p.Upload.Version, p.Upload.Theme, p.Upload.Device))
			return nil
		},
	}
	config.AddPublishFlags(uploadCmd.Flags())
	root.AddCommand(uploadCmd)

	// notify
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Send the HMAC-signed upload notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadPublish(cmd.Flags())
			if err != nil {
				return err
			}
			if err := publish.NewNotifier(publishEnv(ctx), nil).Notify(ctx, p.Notify); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Notification delivered")
			return nil
		},
	}
	config.AddPublishFlags(notifyCmd.Flags())
	root.AddCommand(notifyCmd)

	// clean-logs
	var clDir string
	cleanCmd := &cobra.Command{
		Use:   "clean-logs",
		Short: "Remove the Maestro test logs directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := publish.CleanLogs(publishEnv(ctx), clDir); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Cleared %s\n", clDir)
			return nil
		},
	}
	cleanCmd.Flags().StringVar(&clDir, "dir", publish.DefaultLogsDir(), "logs directory")
	root.AddCommand(cleanCmd)

	return root
}

func loadEnv(ctx context.Context, cmd *cobra.Command) (*config.Config, device.Env, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, device.Env{}, err
	}
	env := cfg.Env()
	env.Context = ctx
	return cfg, env, nil
}

func publishEnv(ctx context.Context) device.Env {
	env := device.Detect()
	env.Context = ctx
	return env
}
