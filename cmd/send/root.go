package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"async-network/client"
	cmdUtil "async-network/cmd/util"
	"async-network/config"
	"async-network/connection"
	"async-network/eventloop"
	"async-network/loadbalance"
	"async-network/registry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var SendCmd = &cobra.Command{
	Use:   "send [value]",
	Short: "Send one message to a server",
	Long: `Send one message to a server and print the response. The value is read as
JSON when it parses, as a string otherwise. The server is given by --host/--port,
or looked up in the registry by --service (or by --service-type alone, which picks
an instance through the balancer).`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindFlags(cmd) },
	RunE:    run,
}

func init() {
	key := "host"
	SendCmd.Flags().String(key, "127.0.0.1", cmdUtil.WrapString("Server host"))

	key = "port"
	SendCmd.Flags().Int(key, 0, cmdUtil.WrapString("Server port"))

	key = "service"
	SendCmd.Flags().String(key, "", cmdUtil.WrapString("Resolve the server by service name through the registry"))

	key = "service-type"
	SendCmd.Flags().String(key, "", cmdUtil.WrapString("Service type to resolve in"))

	key = "balancer"
	SendCmd.Flags().String(key, "roundrobin", cmdUtil.WrapString("Instance choice when the service resolves to several (roundrobin, weighted, consistenthash)"))

	key = "hash-key"
	SendCmd.Flags().String(key, "", cmdUtil.WrapString("Key of the consistenthash balancer"))

	key = "command"
	SendCmd.Flags().Uint32(key, 1, cmdUtil.WrapString("Command of the frame"))

	key = "no-reply"
	SendCmd.Flags().Bool(key, false, cmdUtil.WrapString("Send without a block tag and do not wait for a response"))

	key = "listen"
	SendCmd.Flags().Duration(key, 0, cmdUtil.WrapString("After sending, print messages the server pushes for this long"))
}

func loadConfig() (config.Config, error) {
	cfg, err := cmdUtil.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if viper.IsSet("host") {
		cfg.Client.Host = viper.GetString("host")
	}
	if viper.IsSet("port") {
		cfg.Client.Port = viper.GetInt("port")
	}
	if viper.IsSet("service") {
		cfg.Client.Service = viper.GetString("service")
	}
	if viper.IsSet("service-type") {
		cfg.Server.ServiceType = viper.GetString("service-type")
	}
	if viper.IsSet("balancer") {
		cfg.Client.Balancer = viper.GetString("balancer")
	}
	if viper.IsSet("hash-key") {
		cfg.Client.HashKey = viper.GetString("hash-key")
	}
	return cfg, cfg.Validate()
}

func target(cfg config.Config, reg registry.Registry) (client.Target, error) {
	byService := cfg.Client.Service != "" || viper.IsSet("service-type")
	if !byService {
		if cfg.Client.Port == 0 {
			return client.Target{}, errors.New("--port or --service is required")
		}
		return client.Target{Host: cfg.Client.Host, Port: cfg.Client.Port}, nil
	}
	if reg == nil {
		return client.Target{}, errors.New("--service needs a registry (--registry etcd)")
	}
	return client.Target{
		Registry: reg,
		Reference: registry.Reference{
			Name:   cfg.Client.Service,
			Type:   cfg.Server.ServiceType,
			Domain: cfg.Server.ServiceDomain,
		},
	}, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cmdUtil.SetupLogging(cfg.Log); err != nil {
		return err
	}
	cdc, err := cmdUtil.Codec(cfg.Transport)
	if err != nil {
		return err
	}
	balancer, err := loadbalance.New(cfg.Client.Balancer, cfg.Client.HashKey)
	if err != nil {
		return err
	}
	reg, closeRegistry, err := cmdUtil.NewRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeRegistry()
	tgt, err := target(cfg, reg)
	if err != nil {
		return err
	}

	var value any
	if len(args) == 1 {
		value = cmdUtil.ParseValue(args[0])
	}

	loop := eventloop.New().Start()
	defer loop.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Transport.Timeout)
	defer cancel()
	c, err := client.Dial(ctx, loop, tgt,
		connection.WithCodec(cdc),
		connection.WithTimeout(cfg.Transport.Timeout),
		connection.WithDialer(cmdUtil.NewDialer(loop, cfg.Transport)),
		connection.WithBalancer(balancer),
		connection.WithMaxBodyLength(cfg.Transport.MaxBodyLength),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	command := viper.GetUint32("command")
	if viper.GetBool("no-reply") {
		if err := c.Send(ctx, command, value); err != nil {
			return err
		}
		cmd.Println("sent")
	} else {
		reply, err := c.Call(ctx, command, value)
		if err != nil {
			return err
		}
		cmd.Println(cmdUtil.FormatValue(reply))
	}

	if d := viper.GetDuration("listen"); d > 0 {
		listen(cmd, c, d)
	}
	return nil
}

func listen(cmd *cobra.Command, c *client.Client, d time.Duration) {
	timeout := time.After(d)
	for {
		select {
		case msg := <-c.Messages():
			cmd.Println(fmt.Sprintf("[%d] %s", msg.Command, cmdUtil.FormatValue(msg.Value)))
		case <-c.Done():
			return
		case <-timeout:
			return
		}
	}
}
