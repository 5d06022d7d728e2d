package main

import (
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpva/pvacore/pkg/beacon"
	"github.com/openpva/pvacore/pkg/dispatch"
	"github.com/openpva/pvacore/pkg/transport"
)

var (
	bindAddr     string
	beaconPeriod time.Duration
	beaconCount  int16
	debug        bool
)

var rootCmd = &cobra.Command{
	Use:   "pvabeacond",
	Short: "Run a core transport, dispatch table, and beacon emitter",
	Long: `pvabeacond binds a UDP socket, dispatches connection validation and
echo requests, and periodically broadcasts a beacon announcing this server
to listening clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&bindAddr, "bind", "0.0.0.0:5075", "UDP address to bind")
	rootCmd.Flags().DurationVar(&beaconPeriod, "beacon-period", beacon.MinPeriod, "fast beacon period")
	rootCmd.Flags().Int16Var(&beaconCount, "beacon-count-limit", 10, "beacons sent at the fast period before switching to the slow period")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "hex-dump every dispatched message")
}

func run(cmd *cobra.Command, args []string) error {
	tr, err := transport.Listen(bindAddr, nil)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	defer tr.Close()

	table := dispatch.NewServerTable(debug)
	tr.SetHandler(table)
	tr.Start()

	localAddr := tr.LocalAddr()
	serverIP := localAddr.IP
	if serverIP == nil || serverIP.IsUnspecified() {
		serverIP = net.IPv4(0, 0, 0, 0)
	}

	emitter := beacon.New(tr, beacon.Config{
		Period:        beaconPeriod,
		CountLimit:    beaconCount,
		ServerAddress: serverIP,
		ServerPort:    localAddr.Port,
	}, time.Now())
	emitter.Start()
	defer emitter.Stop()

	log.Printf("pvabeacond: listening on %s, beacon period %s", localAddr, beaconPeriod)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("pvabeacond: shutting down")
	return nil
}
