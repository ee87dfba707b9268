package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Meander-Cloud/go-socialnet/client"
	"github.com/Meander-Cloud/go-socialnet/config"
	"github.com/Meander-Cloud/go-socialnet/net/tcp"
	tp "github.com/Meander-Cloud/go-socialnet/net/tcp/protocol"
)

var (
	connectTimeout uint16
	ackTimeout     uint16
	ackMaxRetry    uint16
	transLogPath   string
	logDebug       bool
)

var rootCmd = &cobra.Command{
	Use:           "snclient [hostname] [port]",
	Short:         "Social network console client",
	Args:          cobra.MaximumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newConfig(args)
		if err != nil {
			return err
		}
		return run(c)
	},
}

func newConfig(args []string) (*config.Config, error) {
	host := "localhost"
	if len(args) > 0 {
		host = args[0]
	}

	port := config.Port
	if len(args) > 1 {
		p, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port %q", args[1])
		}
		port = uint16(p)
	}

	c := &config.Config{
		Host:               host,
		Port:               port,
		EventChannelLength: config.EventChannelLength,

		AckTimeout:      ackTimeout,
		AckMaxRetry:     ackMaxRetry,
		PendingCapacity: 0,
		TransLogPath:    transLogPath,

		LogPrefix: "snclient",
		LogDebug:  logDebug,
	}

	err := c.ValidateClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func run(c *config.Config) error {
	console := client.NewConsole(os.Stdin, os.Stdout)

	username, passwordHash, ok, err := client.PromptLogin(console)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	r, err := tp.NewReliable(
		&tp.ReliableOptions{
			Role:            tp.RoleClient,
			AckTimeout:      c.AckTimeoutDuration(),
			AckMaxRetry:     c.AckMaxRetryCount(),
			PendingCapacity: int(c.PendingCapacityCount()),
			TransLog:        tp.NewTransLog(c.LogPrefix, c.TransLogPath),
			LogPrefix:       fmt.Sprintf("%s-Channel", c.LogPrefix),
			LogDebug:        c.LogDebug,
		},
	)
	if err != nil {
		return err
	}

	session := client.NewSession(c, console, username, passwordHash)
	cl, err := tcp.NewClient(c, r, session, "snclient")
	if err != nil {
		return err
	}
	defer cl.Shutdown() // wait

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	connectTimer := time.NewTimer(time.Second * time.Duration(connectTimeout))
	defer connectTimer.Stop()

	for {
		select {
		case <-session.Done():
			err = session.Err()
			if errors.Is(err, client.ErrLoginRejected) {
				return nil
			}
			return err
		case <-connectTimer.C:
			if session.State() == client.StateAnonymous {
				console.Error("Unable to connect to server")
				return fmt.Errorf("no connection to %s within %ds", c.Address(), connectTimeout)
			}
		case sig := <-sigch:
			log.Printf("%s: received signal %s, exiting", c.LogPrefix, sig.String())
			return nil
		}
	}
}

func init() {
	rootCmd.Flags().Uint16Var(&connectTimeout, "connect-timeout", 10, "Seconds to wait for the server connection")
	rootCmd.Flags().Uint16Var(&ackTimeout, "ack-timeout", 0, "ACK wait slice in milliseconds")
	rootCmd.Flags().Uint16Var(&ackMaxRetry, "ack-max-retry", 0, "ACK wait slices before giving up")
	rootCmd.Flags().StringVar(&transLogPath, "translog", config.TransLogPath, "Transmission log file, empty to disable")
	rootCmd.Flags().BoolVar(&logDebug, "debug", false, "Enable verbose logging")
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if err := rootCmd.Execute(); err != nil {
		log.Printf("snclient: %s", err.Error())
		os.Exit(-1)
	}
}
