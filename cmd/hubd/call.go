package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hub-rpc/client"
	"hub-rpc/config"
	"hub-rpc/loadbalance"
	"hub-rpc/logging"
	"hub-rpc/registry"
	"hub-rpc/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	callAddr    string
	callStream  bool
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call Hub.Method [json-arg...]",
	Short: "Invoke a hub method and print the result",
	Long: `Invoke a hub method. Each argument is a JSON value. Instances are found in
etcd (etcd_endpoints in the client config) or given directly with --addr.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultClientConfig()
		if configPath != "" {
			var err error
			if cfg, err = config.LoadClient(configPath); err != nil {
				return err
			}
		}
		logger, err := logging.New(cfg.LogLevel, false, nil)
		if err != nil {
			return err
		}
		defer logger.Sync()

		hubArgs, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		reg, closeReg, err := openRegistry(cmd.Context(), cfg, args[0], logger)
		if err != nil {
			return err
		}
		defer closeReg()

		c := client.NewClient(reg, loadbalance.New(cfg.Balancer),
			client.WithLogger(logger.Named("client")),
			client.WithPoolSize(cfg.PoolSize),
			client.WithConnOptions(
				transport.WithKeepAliveInterval(cfg.KeepAliveInterval),
				transport.WithServerTimeout(cfg.ServerTimeout),
			))
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()
		return call(ctx, c, args[0], hubArgs, callStream, cmd.OutOrStdout())
	},
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "call this TCP address instead of discovering instances")
	callCmd.Flags().BoolVar(&callStream, "stream", false, "start a streaming invocation and print every item")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "overall deadline")
}

func parseArgs(raw []string) ([]any, error) {
	args := make([]any, len(raw))
	for i, s := range raw {
		if err := json.UnmarshalFromString(s, &args[i]); err != nil {
			return nil, fmt.Errorf("argument %d is not JSON: %w", i+1, err)
		}
	}
	return args, nil
}

// openRegistry returns a static registry holding --addr when it is set, etcd
// otherwise.
func openRegistry(ctx context.Context, cfg config.ClientConfig, hubMethod string, logger *zap.Logger) (registry.Registry, func(), error) {
	if callAddr != "" {
		reg := registry.NewStaticRegistry()
		hub, _, _ := strings.Cut(hubMethod, ".")
		if err := reg.Register(ctx, hub, registry.HubInstance{Addr: callAddr, Weight: 1}, 0); err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, nil, fmt.Errorf("no instances: set --addr or etcd_endpoints")
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger.Named("registry"))
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { reg.Close() }, nil
}

func call(ctx context.Context, c *client.Client, hubMethod string, args []any, stream bool, out io.Writer) error {
	enc := json.NewEncoder(out)
	if !stream {
		var result any
		if err := c.Invoke(ctx, hubMethod, &result, args...); err != nil {
			return err
		}
		return enc.Encode(result)
	}

	s, err := c.Stream(ctx, hubMethod, nil, args...)
	if err != nil {
		return err
	}
	for item := range s.Items() {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return s.Err()
}
