// Package main implements the walcache command-line client.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/i-melnichenko/walcache/internal/transport"
	admingrpc "github.com/i-melnichenko/walcache/internal/transport/grpc/admin"
	kvstream "github.com/i-melnichenko/walcache/internal/transport/stream/kv"
)

type globalFlags struct {
	addr    string
	timeout time.Duration
	hex     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "client",
		Short:         "Talk to a walcache node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", "tcp://127.0.0.1:7070", "node endpoint: tcp://host:port, unix:///path.sock or host:port")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.hex, "hex", false, "values are hex encoded on input and output")

	root.AddCommand(
		newSetCmd(flags),
		newGetCmd(flags),
		newPopCmd(flags),
		newDelCmd(flags),
		newKeysCmd(flags),
		newLenCmd(flags),
		newHealthCmd(flags),
		newWatchCmd(flags),
	)
	return root
}

func (f *globalFlags) client() (*kvstream.Client, error) {
	ep, err := transport.ParseEndpoint(f.addr)
	if err != nil {
		return nil, err
	}
	return kvstream.NewClient(ep, kvstream.ClientOptions{Timeout: f.timeout}), nil
}

func (f *globalFlags) decodeValue(s string) ([]byte, error) {
	if !f.hex {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	return b, nil
}

func (f *globalFlags) formatValue(b []byte) string {
	if f.hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func newSetCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value durably",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			value, err := f.decodeValue(args[1])
			if err != nil {
				return err
			}
			if err := c.Set(cmd.Context(), args[0], value); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newGetCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			value, found, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printValue(cmd.OutOrStdout(), f, args[0], value, found)
			return nil
		},
	}
}

func newPopCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pop <key>",
		Short: "Remove a key and print the value it held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			value, found, err := c.Pop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printValue(cmd.OutOrStdout(), f, args[0], value, found)
			return nil
		},
	}
}

func newDelCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key and print how many keys were removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			n, err := c.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(n, 10))
			return nil
		},
	}
}

func newKeysCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <prefix*>",
		Short: "List keys matching a prefix pattern ending in *",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			keys, err := c.Keys(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range keys {
				_, _ = fmt.Fprintln(out, k)
			}
			return nil
		},
	}
}

func newLenCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "len",
		Short: "Print the number of stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			n, err := c.Len(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(n, 10))
			return nil
		},
	}
}

func newHealthCmd(f *globalFlags) *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the admin gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := checkHealth(cmd.Context(), adminAddr, f.timeout)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != healthpb.HealthCheckResponse_SERVING.String() {
				return fmt.Errorf("node is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "127.0.0.1:7071", "admin gRPC address")
	return cmd
}

func checkHealth(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("dial admin %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: admingrpc.ServiceName})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

func printValue(w io.Writer, f *globalFlags, key string, value []byte, found bool) {
	if !found {
		_, _ = fmt.Fprintf(w, "(absent) %s\n", key)
		return
	}
	_, _ = fmt.Fprintln(w, f.formatValue(value))
}
