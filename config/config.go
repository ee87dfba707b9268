package config

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

const (
	// defaults for when not provided in Config
	Port                 uint16        = 5354
	EventChannelLength   uint16        = 1024
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Second * 3
	TcpReconnectInterval time.Duration = time.Second * 5
	TcpReconnectLogEvery uint32        = 12
	AckTimeout           time.Duration = time.Second * 2
	AckMaxRetry          uint16        = 15
	PendingCapacity      uint16        = 10
	SessionTimeout       time.Duration = time.Minute * 15
	NotifyRetryInterval  time.Duration = time.Second * 5
	SnapshotInterval     time.Duration = time.Second * 60
	TransLogPath         string        = "log.txt"
)

const (
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

type Config struct {
	Host               string
	Port               uint16
	EventChannelLength uint16

	TcpKeepAliveInterval uint16 // seconds
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16 // seconds
	TcpReconnectInterval uint16 // seconds
	TcpReconnectLogEvery uint32

	AckTimeout      uint16 // milliseconds
	AckMaxRetry     uint16
	PendingCapacity uint16
	TransLogPath    string // empty disables the transmission log

	// server only
	StoreBackend        string
	DatabasePath        string
	SnapshotPath        string
	SessionTimeout      uint16 // minutes
	NotifyRetryInterval uint16 // seconds
	SnapshotInterval    uint16 // seconds, memory backend with SnapshotPath only

	LogPrefix string
	LogDebug  bool
}

// Address is the dial address for clients and the listen address for servers.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = Port
	}
	return net.JoinHostPort(c.Host, strconv.FormatUint(uint64(port), 10))
}

func (c *Config) AckTimeoutDuration() time.Duration {
	if c.AckTimeout == 0 {
		return AckTimeout
	}
	return time.Millisecond * time.Duration(c.AckTimeout)
}

func (c *Config) AckMaxRetryCount() uint16 {
	if c.AckMaxRetry == 0 {
		return AckMaxRetry
	}
	return c.AckMaxRetry
}

func (c *Config) PendingCapacityCount() uint16 {
	if c.PendingCapacity == 0 {
		return PendingCapacity
	}
	return c.PendingCapacity
}

func (c *Config) SessionTimeoutDuration() time.Duration {
	if c.SessionTimeout == 0 {
		return SessionTimeout
	}
	return time.Minute * time.Duration(c.SessionTimeout)
}

func (c *Config) NotifyRetryIntervalDuration() time.Duration {
	if c.NotifyRetryInterval == 0 {
		return NotifyRetryInterval
	}
	return time.Second * time.Duration(c.NotifyRetryInterval)
}

func (c *Config) SnapshotIntervalDuration() time.Duration {
	if c.SnapshotInterval == 0 {
		return SnapshotInterval
	}
	return time.Second * time.Duration(c.SnapshotInterval)
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.LogPrefix == "" {
		err := fmt.Errorf("invalid LogPrefix=%s", c.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Port == 0 {
		err := fmt.Errorf("%s: invalid Port=%d", c.LogPrefix, c.Port)
		log.Printf("%s", err.Error())
		return err
	}

	if c.AckTimeout != 0 && c.AckTimeout < 10 {
		err := fmt.Errorf("%s: invalid AckTimeout=%d, must be at least 10ms", c.LogPrefix, c.AckTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	if c.PendingCapacity > 1024 {
		err := fmt.Errorf("%s: invalid PendingCapacity=%d", c.LogPrefix, c.PendingCapacity)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) ValidateClient() error {
	err := c.Validate()
	if err != nil {
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("%s: invalid Host=%s", c.LogPrefix, c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) ValidateServer() error {
	err := c.Validate()
	if err != nil {
		return err
	}

	switch c.StoreBackend {
	case StoreBackendSQLite:
		if c.DatabasePath == "" {
			err := fmt.Errorf("%s: invalid DatabasePath=%s", c.LogPrefix, c.DatabasePath)
			log.Printf("%s", err.Error())
			return err
		}
	case StoreBackendMemory:
	default:
		err := fmt.Errorf("%s: invalid StoreBackend=%s", c.LogPrefix, c.StoreBackend)
		log.Printf("%s", err.Error())
		return err
	}

	if c.SessionTimeout > 24*60 {
		err := fmt.Errorf("%s: invalid SessionTimeout=%d", c.LogPrefix, c.SessionTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}
