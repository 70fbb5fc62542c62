/*
Copyright the prevalence authors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// ledger-demo is a small bank-ledger application demonstrating the usage
// of the prevalence library: a durable primary, optional replication in
// both roles, and an optional prometheus endpoint.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v2"

	"github.com/go-prevalence/prevalence"
	"github.com/go-prevalence/prevalence/metrics"
	"github.com/go-prevalence/prevalence/replication"
)

// fileConfig mirrors the command-line surface for deployments that prefer
// a yaml file.  Flags given explicitly win over file values.
type fileConfig struct {
	Base             string `yaml:"base"`
	Listen           string `yaml:"listen"`
	Connect          string `yaml:"connect"`
	Transient        bool   `yaml:"transient"`
	Liberal          bool   `yaml:"liberal"`
	JournalSizeBytes int64  `yaml:"journalSizeBytes"`
	JournalAgeSecs   int64  `yaml:"journalAgeSecs"`
	MetricsAddr      string `yaml:"metricsAddr"`
}

func main() {
	app := kingpin.New("ledger-demo", "Small bank ledger demonstrating the prevalence library.")
	configFile := app.Flag("config", "Optional yaml config file.").String()
	base := app.Flag("base", "Prevalence base directory.").Default("PrevalenceBase").String()
	listen := app.Flag("listen", "Address to serve replication standbys on.").String()
	connect := app.Flag("connect", "Primary address; run as a standby.").String()
	transient := app.Flag("transient", "Execute without writing to disk.").Bool()
	liberal := app.Flag("liberal", "Disable strict transaction filtering.").Bool()
	sizeThreshold := app.Flag("journal-size", "Journal rotation size threshold in bytes.").Int64()
	ageThreshold := app.Flag("journal-age", "Journal rotation age threshold.").Duration()
	metricsAddr := app.Flag("metrics", "Address to serve /metrics on.").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *configFile != "" {
		cfg, err := loadConfig(*configFile)
		if err != nil {
			logger.Fatal("could not load config file", zap.String("path", *configFile), zap.Error(err))
		}
		applyDefaults(cfg, base, listen, connect, transient, liberal, sizeThreshold, ageThreshold, metricsAddr)
	}

	factory := prevalence.NewFactory()
	factory.ConfigurePrevalentSystem(NewLedger())
	factory.ConfigurePrevalenceDirectory(*base)
	factory.ConfigureLogger(logger)
	factory.ConfigureMonitor(metrics.NewMonitor(prevalence.NewLoggingMonitor(logger)))
	factory.ConfigureTransientMode(*transient)
	factory.ConfigureTransactionFiltering(!*liberal)
	factory.ConfigureJournalFileSizeThreshold(*sizeThreshold)
	factory.ConfigureJournalFileAgeThreshold(*ageThreshold)
	if *listen != "" {
		factory.ConfigureReplicationServer(withDefaultPort(*listen))
	}
	if *connect != "" {
		factory.ConfigureReplicationClient(withDefaultPort(*connect))
	}

	engine, err := factory.Create()
	if err != nil {
		logger.Fatal("could not start prevalence engine", zap.Error(err))
	}
	defer engine.Close()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	printBalances(engine)
	repl(engine, logger)
}

// repl reads commands from stdin until EOF:
//
//	deposit <account> <amount>
//	transfer <from> <to> <amount>
//	balances
//	checkpoint
func repl(engine prevalence.Engine, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "deposit":
			if len(fields) != 3 {
				fmt.Println("usage: deposit <account> <amount>")
				continue
			}
			amount, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				fmt.Println("bad amount:", fields[2])
				continue
			}
			report(engine.Publish(Deposit{Account: fields[1], Amount: amount}))

		case "transfer":
			if len(fields) != 4 {
				fmt.Println("usage: transfer <from> <to> <amount>")
				continue
			}
			amount, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				fmt.Println("bad amount:", fields[3])
				continue
			}
			report(engine.Publish(Transfer{From: fields[1], To: fields[2], Amount: amount}))

		case "balances":
			printBalances(engine)

		case "checkpoint":
			started := time.Now()
			if err := engine.TakeCheckpoint(); err != nil {
				fmt.Println("checkpoint failed:", err)
				continue
			}
			fmt.Println("checkpoint taken in", time.Since(started))

		default:
			fmt.Println("commands: deposit, transfer, balances, checkpoint")
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", zap.Error(err))
	}
}

func report(result interface{}, err error) {
	if err != nil {
		fmt.Println("rejected:", err)
		return
	}
	fmt.Println("new balance:", result)
}

func printBalances(engine prevalence.Engine) {
	ledger := engine.System().(*Ledger)
	fmt.Printf("%d operations applied\n", ledger.Operations)
	for _, name := range ledger.AccountNames() {
		fmt.Printf("  %-12s %d\n", name, ledger.Accounts[name])
	}
}

// withDefaultPort fills in the standard replication port when addr names
// only a host.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(replication.DefaultPort))
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &fileConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults copies file values into flags the user left at their
// defaults.
func applyDefaults(cfg *fileConfig, base, listen, connect *string, transient, liberal *bool, sizeThreshold *int64, ageThreshold *time.Duration, metricsAddr *string) {
	if cfg.Base != "" && *base == "PrevalenceBase" {
		*base = cfg.Base
	}
	if cfg.Listen != "" && *listen == "" {
		*listen = cfg.Listen
	}
	if cfg.Connect != "" && *connect == "" {
		*connect = cfg.Connect
	}
	if cfg.Transient {
		*transient = true
	}
	if cfg.Liberal {
		*liberal = true
	}
	if cfg.JournalSizeBytes != 0 && *sizeThreshold == 0 {
		*sizeThreshold = cfg.JournalSizeBytes
	}
	if cfg.JournalAgeSecs != 0 && *ageThreshold == 0 {
		*ageThreshold = time.Duration(cfg.JournalAgeSecs) * time.Second
	}
	if cfg.MetricsAddr != "" && *metricsAddr == "" {
		*metricsAddr = cfg.MetricsAddr
	}
}
