package browse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	cmdUtil "async-network/cmd/util"
	"async-network/registry"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var BrowseCmd = &cobra.Command{
	Use:   "browse",
	Short: "List advertised servers of a service type",
	Long: `List the servers advertised under a service type in the registry. With --watch
the list is printed again whenever it changes, until interrupted.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return cmdUtil.BindFlags(cmd) },
	RunE:    run,
}

func init() {
	key := "service-type"
	BrowseCmd.Flags().String(key, registry.DefaultServiceType, cmdUtil.WrapString("Service type to browse"))

	key = "service-domain"
	BrowseCmd.Flags().String(key, registry.DefaultServiceDomain, cmdUtil.WrapString("Service domain to browse"))

	key = "watch"
	BrowseCmd.Flags().Bool(key, false, cmdUtil.WrapString("Keep printing the list as it changes"))
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := cmdUtil.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cmdUtil.SetupLogging(cfg.Log); err != nil {
		return err
	}
	if cfg.Registry.Kind != "etcd" {
		return errors.New("browse needs a shared registry (--registry etcd)")
	}
	reg, closeRegistry, err := cmdUtil.NewRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeRegistry()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceType := viper.GetString("service-type")
	domain := viper.GetString("service-domain")

	if !viper.GetBool("watch") {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		instances, err := reg.Discover(lctx, registry.Reference{Type: serviceType, Domain: domain})
		if err != nil {
			return err
		}
		printInstances(cmd, instances)
		return nil
	}

	for instances := range reg.Browse(ctx, serviceType, domain) {
		cmd.Printf("--- %s\n", time.Now().Format(time.TimeOnly))
		printInstances(cmd, instances)
	}
	return nil
}

func printInstances(cmd *cobra.Command, instances []registry.Instance) {
	if len(instances) == 0 {
		cmd.Println("no instances")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tWEIGHT\tSERVICE")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", i.Name, i.Addr(), i.Weight, i.Reference())
	}
	w.Flush()
}
