package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fileshare-project/fsp"
	"github.com/fileshare-project/fsp/fsconfig"
	"github.com/fileshare-project/fsp/fspcrypto"
	"github.com/fileshare-project/fsp/peer"
	"github.com/fileshare-project/fsp/wire"
)

var (
	listenAddr  string
	autoApprove bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Listen for and serve incoming peer connections",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&listenAddr, "listen", fsp.DefaultEndpoint, "address to listen on")
	startCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "trust any peer identity not already known, without prompting on stdin")
	rootCmd.AddCommand(startCmd)
}

// interactiveOracle prompts the operator on stdin/stdout for each unknown
// peer identity, printing a fingerprint short enough to compare over a
// second channel (phone call, chat) before trusting it.
type interactiveOracle struct{}

func (interactiveOracle) Approve(identity fspcrypto.Identity) bool {
	fp, err := fspcrypto.Fingerprint(identity)
	if err != nil {
		fp = "(unavailable)"
	}
	fmt.Printf("incoming pairing request from %q (uuid %s)\nfingerprint: %s\napprove? [y/N]: ", identity.DeviceName, identity.UUID, fp)

	var answer string
	fmt.Scanln(&answer)
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

func runStart(cmd *cobra.Command, args []string) error {
	serverCfg, err := fsconfig.LoadServerConfig(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("fspd: start: loading server config (run 'fspd init' first): %w", err)
	}
	localCfg, err := fsconfig.LoadConfig("")
	if err != nil {
		return fmt.Errorf("fspd: start: loading local config: %w", err)
	}
	known, err := fsconfig.LoadKnownPeerStore("")
	if err != nil {
		return fmt.Errorf("fspd: start: loading known peer store: %w", err)
	}

	var oracle fsp.ApprovalOracle = interactiveOracle{}
	if autoApprove {
		oracle = fsp.OracleFunc(func(fspcrypto.Identity) bool { return true })
	}

	metrics := peer.NewMetrics(prometheus.DefaultRegisterer)
	server := fsp.NewServer(serverCfg, localCfg, known, oracle, metrics)
	if err := server.Listen(listenAddr); err != nil {
		return fmt.Errorf("fspd: start: %w", err)
	}
	defer server.Close()

	logrus.WithFields(logrus.Fields{"function": "runStart", "addr": server.Addr()}).Info("fspd listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("shutting down")
			return nil
		case ev := <-server.Events():
			handleEvent(ev)
		}
	}
}

func handleEvent(ev fsp.Event) {
	identity := ev.Peer.Identity()
	if ev.Request == nil {
		logrus.WithFields(logrus.Fields{"uuid": identity.UUID, "device": identity.DeviceName}).Info("peer connected")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"uuid":       identity.UUID,
		"code":       ev.Request.Code,
		"message_id": ev.Request.MessageID,
	})
	log.Info("auto-approving buffered request")
	if err := ev.Peer.RespondToRequest(ev.Request.MessageID, wire.StatusOK); err != nil {
		log.WithError(err).Warn("failed to respond to buffered request")
	}
}
