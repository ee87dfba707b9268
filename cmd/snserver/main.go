package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Meander-Cloud/go-socialnet/client"
	"github.com/Meander-Cloud/go-socialnet/config"
	"github.com/Meander-Cloud/go-socialnet/social"
	"github.com/Meander-Cloud/go-socialnet/store"
)

var (
	storeBackend     string
	databasePath     string
	snapshotPath     string
	snapshotInterval uint16
	sessionTimeout   uint16
	notifyRetry      uint16
	ackTimeout       uint16
	ackMaxRetry      uint16
	transLogPath     string
	logDebug         bool
)

var rootCmd = &cobra.Command{
	Use:           "snserver [port]",
	Short:         "Social network server",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConfig(args)
		if err != nil {
			return err
		}
		return serve(c)
	},
}

var useraddCmd = &cobra.Command{
	Use:          "useradd <username>",
	Short:        "Register a user in the store",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConfig(nil)
		if err != nil {
			return err
		}
		return useradd(c, args[0])
	},
}

func newConfig(args []string) (*config.Config, error) {
	port := config.Port
	if len(args) > 0 {
		p, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		port = uint16(p)
	}

	return &config.Config{
		Host:               "",
		Port:               port,
		EventChannelLength: config.EventChannelLength,

		AckTimeout:      ackTimeout,
		AckMaxRetry:     ackMaxRetry,
		PendingCapacity: 0,
		TransLogPath:    transLogPath,

		StoreBackend:        storeBackend,
		DatabasePath:        databasePath,
		SnapshotPath:        snapshotPath,
		SessionTimeout:      sessionTimeout,
		NotifyRetryInterval: notifyRetry,
		SnapshotInterval:    snapshotInterval,

		LogPrefix: "snserver",
		LogDebug:  logDebug,
	}, nil
}

func serve(c *config.Config) error {
	st, err := social.OpenStore(c)
	if err != nil {
		return err
	}

	s, err := social.NewSocial(c, st)
	if err != nil {
		st.Close()
		return err
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("%s: received signal %s, exiting", c.LogPrefix, sig.String())

	s.Shutdown()
	return nil
}

func useradd(c *config.Config, username string) error {
	err := c.ValidateServer()
	if err != nil {
		return err
	}

	console := client.NewConsole(os.Stdin, os.Stdout)
	password, err := console.ReadPassword("Enter Password:")
	if err != nil {
		return err
	}
	confirm, err := console.ReadPassword("Confirm Password:")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	st, err := social.OpenStore(c)
	if err != nil {
		return err
	}
	defer st.Close()

	userID, err := st.AddUser(username, client.HashPassword(password))
	if err != nil {
		return err
	}
	log.Printf("%s: added user %s, user_id=%d", c.LogPrefix, username, userID)

	// a memory store only persists through its snapshot
	if c.StoreBackend == config.StoreBackendMemory && c.SnapshotPath != "" {
		if mem, ok := st.(*store.Memory); ok {
			return mem.Save(c.SnapshotPath)
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", config.StoreBackendSQLite, "Store backend (sqlite or memory)")
	rootCmd.PersistentFlags().StringVar(&databasePath, "db", "socialnet.db", "SQLite database file")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "", "Snapshot file for the memory store")
	rootCmd.PersistentFlags().Uint16Var(&snapshotInterval, "snapshot-interval", 0, "Snapshot flush interval in seconds")
	rootCmd.PersistentFlags().Uint16Var(&sessionTimeout, "session-timeout", 0, "Session inactivity window in minutes")
	rootCmd.PersistentFlags().Uint16Var(&notifyRetry, "notify-retry", 0, "Notification retry interval in seconds")
	rootCmd.PersistentFlags().Uint16Var(&ackTimeout, "ack-timeout", 0, "ACK wait slice in milliseconds")
	rootCmd.PersistentFlags().Uint16Var(&ackMaxRetry, "ack-max-retry", 0, "ACK wait slices before giving up")
	rootCmd.PersistentFlags().StringVar(&transLogPath, "translog", config.TransLogPath, "Transmission log file, empty to disable")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "debug", false, "Enable verbose logging")

	rootCmd.AddCommand(useraddCmd)
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if err := rootCmd.Execute(); err != nil {
		log.Printf("snserver: %s", err.Error())
		os.Exit(-1)
	}
}
