package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/beaconmesh/beacon/internal/bridge"
	"github.com/beaconmesh/beacon/internal/bridge/blescan"
	"github.com/beaconmesh/beacon/internal/bridge/mcast"
	"github.com/beaconmesh/beacon/internal/channel"
	"github.com/beaconmesh/beacon/internal/config"
	"github.com/beaconmesh/beacon/internal/feed"
	"github.com/beaconmesh/beacon/internal/logger"
	"github.com/beaconmesh/beacon/internal/messaging"
	"github.com/beaconmesh/beacon/internal/negotiator"
	"github.com/beaconmesh/beacon/internal/notify"
	"github.com/beaconmesh/beacon/internal/session"
	"github.com/beaconmesh/beacon/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the beacon session",
	Long: `runs discovery and messaging in the foreground until interrupted;
typed lines are sent as chat, /help lists console commands`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession()
	},
}

func runSession() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}
	peerStore := store.NewPeerStore(db)
	activityStore := store.NewActivityStore(db)

	advertiseAddr := net.JoinHostPort(advertiseHost(cfg.ListenHost), strconv.Itoa(cfg.Port))
	radio, err := buildBridge(cfg, profile, advertiseAddr, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feedSrv *feed.Server
	if cfg.FeedAddr != "" {
		feedSrv = feed.NewServer(feed.Config{Addr: cfg.FeedAddr, Logger: log})
		if err := feedSrv.Start(ctx); err != nil {
			return fmt.Errorf("start feed on %s: %w", cfg.FeedAddr, err)
		}
	}

	sess, err := session.New(session.Options{
		Bridge:   radio,
		Identity: channel.Identity{ID: profile.DeviceID, Name: profile.DisplayName},
		Negotiator: negotiator.Config{
			ListenHost:    cfg.ListenHost,
			Port:          cfg.Port,
			DialTimeout:   cfg.DialTimeout,
			AcceptTimeout: cfg.AcceptTimeout,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBase:     cfg.RetryBase,
			RetryCap:      cfg.RetryCap,
		},
		HistoryLimit: cfg.HistoryLimit,
		Peers:        peerStore,
		Activity:     activityStore,
		Notifier: notify.Multi(
			&notify.ConsoleNotifier{Out: os.Stdout},
			&notify.LogNotifier{Logger: log},
		),
		Feed:   feedSrv,
		Logger: log,
		Clock:  clock.New(),
	})
	if err != nil {
		return err
	}
	if err := sess.Start(ctx); err != nil {
		return err
	}

	quit := make(chan struct{})
	go console(sess, quit)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	log.Info("Session running, type /help for commands, Ctrl+C to stop")
	select {
	case <-sigChan:
	case <-quit:
	}
	log.Info("Shutting down...")

	return sess.Close()
}

// console reads operator input until EOF or /quit. Plain lines go out
// as chat; slash commands inspect or steer the session. EOF just stops
// the console so headless runs keep going until a signal.
func console(sess *session.Session, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if !sess.Send(line) {
				fmt.Println("(kept local, no active link)")
			}
			continue
		}
		if !consoleCommand(sess, line) {
			close(quit)
			return
		}
	}
}

// consoleCommand runs one slash command and reports whether the console
// should keep reading.
func consoleCommand(sess *session.Session, line string) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/q":
		return false
	case "/peers":
		printPeers(sess.Peers())
	case "/connect":
		if len(parts) != 2 {
			fmt.Println("usage: /connect <peer id>")
			break
		}
		if err := sess.Connect(parts[1]); err != nil {
			fmt.Println("connect:", err)
		}
	case "/disconnect":
		if err := sess.Disconnect(); err != nil {
			fmt.Println("disconnect:", err)
		}
	case "/history":
		printHistory(sess.History())
	case "/help":
		fmt.Println("commands: /peers, /connect <peer id>, /disconnect, /history, /quit")
	default:
		fmt.Printf("unknown command %s, try /help\n", parts[0])
	}
	return true
}

func printPeers(peers []bridge.Peer) {
	if len(peers) == 0 {
		fmt.Println("No peers in range")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tSTATUS\tSIGNAL\tEMERGENCY")
	for _, p := range peers {
		emergency := ""
		if p.Emergency {
			emergency = "YES"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.DisplayName, p.ID, p.Status, p.Signal, emergency)
	}
	_ = w.Flush()
}

func printHistory(history []messaging.Message) {
	if len(history) == 0 {
		fmt.Println("No messages yet")
		return
	}
	for _, m := range history {
		arrow := "<-"
		if m.Direction == messaging.Outbound {
			arrow = "->"
		}
		entry := fmt.Sprintf("%s %s %s: %s", m.Timestamp.Format("15:04:05"), arrow, m.SenderName, m.Text)
		if m.Direction == messaging.Outbound && !m.Delivered {
			entry += " (not delivered)"
		}
		fmt.Println(entry)
	}
}

func buildBridge(cfg config.Config, profile config.Profile, advertiseAddr string, log *logrus.Logger) (bridge.Bridge, error) {
	switch cfg.BridgeKind {
	case "mcast":
		return mcast.New(mcast.Config{
			Group:         cfg.MulticastGroup,
			Interval:      cfg.BeaconInterval,
			AdvertiseAddr: advertiseAddr,
			DeviceID:      profile.DeviceID,
			DisplayName:   profile.DisplayName,
			Emergency:     profile.Emergency,
			Logger:        log,
		}), nil
	case "ble":
		return blescan.New(blescan.Config{
			DeviceID:      profile.DeviceID,
			DisplayName:   profile.DisplayName,
			AdvertiseAddr: advertiseAddr,
			Emergency:     profile.Emergency,
			Interval:      cfg.BeaconInterval,
			Logger:        log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bridge kind %q", cfg.BridgeKind)
	}
}

// advertiseHost picks the address peers should dial. An explicit listen
// host wins; otherwise the first usable interface address is used.
func advertiseHost(listenHost string) string {
	if listenHost != "" {
		return listenHost
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
