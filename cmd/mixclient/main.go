// Package main is the mixclient daemon: it loads a config file, opens the
// bbolt-backed stores, builds a BaseClient via BaseClientBuilder, and runs
// until interrupted. Flag parsing, log-level handling and the signal loop
// are carried over from the teacher's main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/op/go-logging"

	mixclientcore "mixclientcore"
	"mixclientcore/config"
	"mixclientcore/gateway"
	"mixclientcore/identity"
	replystorage "mixclientcore/replies/storage"
	"mixclientcore/topology"
)

var log = logging.MustGetLogger("mixclient")

var logFormat = logging.MustStringFormatter(
	"%{level:.4s} %{id:03x} %{message}",
)
var ttyFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}",
)

const ioctlReadTermios = 0x5401

func isTerminal(fd int) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlReadTermios, uintptr(unsafe.Pointer(&termios)), 0, 0, 0)
	return err == 0
}

func stringToLogLevel(level string) (logging.Level, error) {
	switch level {
	case "DEBUG":
		return logging.DEBUG, nil
	case "INFO":
		return logging.INFO, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "WARNING":
		return logging.WARNING, nil
	case "ERROR":
		return logging.ERROR, nil
	case "CRITICAL":
		return logging.CRITICAL, nil
	}
	return -1, fmt.Errorf("invalid logging level %s", level)
}

func setupLoggerBackend(level logging.Level) logging.LeveledBackend {
	format := logFormat
	if isTerminal(int(os.Stderr.Fd())) {
		format = ttyFormat
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.NewBackendFormatter(backend, format)
	leveler := logging.AddModuleLevel(formatter)
	leveler.SetLevel(level, "mixclient")
	return leveler
}

func main() {
	var configFilePath string
	var logLevel string
	var keyPassphrase string

	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.StringVar(&logLevel, "log_level", "INFO", "logging level could be set to: DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	flag.StringVar(&keyPassphrase, "key_passphrase", "", "passphrase protecting the on-disk identity key store")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "you must specify a configuration file")
		flag.Usage()
		os.Exit(1)
	}

	level, err := stringToLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid logging level specified")
		os.Exit(1)
	}
	log.SetBackend(setupLoggerBackend(level))

	cfg, err := config.FromFile(configFilePath)
	if err != nil {
		log.Criticalf("loading configuration: %v", err)
		os.Exit(1)
	}

	keyStore, err := identity.NewBoltKeyStore(cfg.DataDir+"/keys.db", keyPassphrase)
	if err != nil {
		log.Criticalf("opening key store: %v", err)
		os.Exit(1)
	}
	gatewayDetails, err := identity.NewBoltGatewayDetailsStore(cfg.DataDir + "/gateway.db")
	if err != nil {
		log.Criticalf("opening gateway details store: %v", err)
		os.Exit(1)
	}
	credentialStore, err := gateway.NewBoltCredentialStore(cfg.DataDir + "/credentials.db")
	if err != nil {
		log.Criticalf("opening credential store: %v", err)
		os.Exit(1)
	}
	replyStorage, err := replystorage.NewBoltReplyStorage(cfg.DataDir + "/replies.db")
	if err != nil {
		log.Criticalf("opening reply storage: %v", err)
		os.Exit(1)
	}
	directory := topology.NewJSONFileFetcher(cfg.Debug.Topology.DirectoryURLs)

	builder := mixclientcore.NewBaseClientBuilder(cfg, keyStore, gatewayDetails, credentialStore, replyStorage, directory)

	log.Notice("mixclient startup")
	client, err := builder.Build(context.Background())
	if err != nil {
		log.Criticalf("starting client: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Notice("mixclient shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Debug.GatewayConnection.GatewayResponseTimeout)
	defer cancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		log.Warningf("shutdown: %v", err)
	}
}
