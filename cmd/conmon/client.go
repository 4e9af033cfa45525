package main

import (
	"context"
	"time"

	"github.com/criyle/go-conmon/api"
	"github.com/criyle/go-conmon/client"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "call a running monitor",
	}

	clientVersionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the build metadata of the monitor",
		Args:  cobra.NoArgs,
		RunE:  clientVersionExec,
	}

	clientCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "create a container",
		Args:  cobra.NoArgs,
		RunE:  clientCreateExec,
		Example: `# Create a container from its bundle:
conmon client -s /run/conmon/conmon.sock create --id c1 --bundle /run/c1 --exit-path /run/c1/exit`,
	}

	clientFlags struct {
		socket  string
		timeout time.Duration
	}

	createFlags api.CreateContainerRequest
)

func init() {
	pf := clientCmd.PersistentFlags()
	pf.StringVarP(&clientFlags.socket, "socket", "s", "", "path of the monitor socket")
	pf.DurationVar(&clientFlags.timeout, "timeout", 2*time.Minute, "timeout of the call")
	clientCmd.MarkPersistentFlagRequired("socket")

	f := clientCreateCmd.Flags()
	f.StringVar(&createFlags.ID, "id", "", "container id")
	f.StringVar(&createFlags.BundlePath, "bundle", "", "bundle directory")
	f.BoolVarP(&createFlags.Terminal, "terminal", "t", false, "allocate a terminal")
	f.StringArrayVar(&createFlags.ExitPaths, "exit-path", nil, "exit file to write (repeatable)")
	clientCreateCmd.MarkFlagRequired("id")
	clientCreateCmd.MarkFlagRequired("bundle")

	clientCmd.AddCommand(clientVersionCmd, clientCreateCmd)
}

func dialMonitor(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	c, err := client.Dial(clientFlags.socket)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientFlags.timeout)
	return c, ctx, cancel, nil
}

func clientVersionExec(cmd *cobra.Command, _ []string) error {
	c, ctx, cancel, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	return printYAML(v)
}

func clientCreateExec(cmd *cobra.Command, _ []string) error {
	c, ctx, cancel, err := dialMonitor(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	req := createFlags
	rep, err := c.CreateContainer(ctx, &req)
	if err != nil {
		return errors.Wrapf(err, "container %s", req.ID)
	}
	return printYAML(rep)
}
