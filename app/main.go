package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"

	"github.com/invisibleman/feedsync/app/api"
	"github.com/invisibleman/feedsync/app/fetch"
	"github.com/invisibleman/feedsync/app/models"
	"github.com/invisibleman/feedsync/app/proc"
	"github.com/invisibleman/feedsync/app/query"
	"github.com/invisibleman/feedsync/app/store"
)

type options struct {
	DB   string `short:"c" long:"db" env:"FS_DB" default:"var/feedsync.bdb" description:"bolt db file"`
	Conf string `short:"f" long:"conf" env:"FS_CONF" default:"feedsync.yml" description:"config file (yml)"`
	Port int    `long:"port" env:"FS_PORT" default:"8080" description:"rest server port"`

	// single account overrides
	Account        string        `long:"account" env:"FS_ACCOUNT" description:"single account, overrides config"`
	UpdateInterval time.Duration `long:"update-interval" env:"UPDATE_INTERVAL" default:"15m" description:"update interval, overrides config"`

	TelegramServer  string        `long:"telegram_server" env:"TELEGRAM_SERVER" default:"https://api.telegram.org" description:"telegram bot api server"`
	TelegramToken   string        `long:"telegram_token" env:"TELEGRAM_TOKEN" description:"telegram token"`
	TelegramChannel string        `long:"telegram_channel" env:"TELEGRAM_CHANNEL" description:"telegram channel for new articles"`
	TelegramTimeout time.Duration `long:"telegram_timeout" env:"TELEGRAM_TIMEOUT" default:"1m" description:"telegram timeout"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

// Conf describes the yml config file.
type Conf struct {
	Accounts []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"accounts"`
	System struct {
		UpdateInterval time.Duration `yaml:"update"`
		MaxItems       int           `yaml:"max_per_feed"`
		Concurrent     int           `yaml:"concurrent"`
		FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	} `yaml:"system"`
}

var revision = "local"

func main() {
	fmt.Printf("feedsync %s\n", revision)
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	var conf = &Conf{}
	if opts.Account != "" { // single account (no config) mode
		conf = singleAccountConf(opts.Account, opts.UpdateInterval)
	}

	var err error
	if opts.Account == "" {
		conf, err = loadConfig(opts.Conf)
		if err != nil {
			log.Fatalf("[ERROR] can't load config %s, %v", opts.Conf, err)
		}
	}
	setDefaults(conf)

	db, err := store.NewStore(opts.DB)
	if err != nil {
		log.Fatalf("[ERROR] can't open db %s, %v", opts.DB, err)
	}
	for _, acc := range conf.Accounts {
		if err = db.EnsureAccount(models.Account{ID: acc.ID, Name: acc.Name}); err != nil {
			log.Fatalf("[ERROR] can't create account %s, %v", acc.ID, err)
		}
	}

	processor := &proc.Processor{
		Store:      db,
		Fetcher:    fetch.NewFetcher(conf.System.FetchTimeout, conf.System.MaxItems),
		Bus:        proc.NewSyncBus(),
		Concurrent: conf.System.Concurrent,
	}

	if opts.TelegramToken != "" {
		telegramClient, e := proc.NewTelegramClient(opts.TelegramToken, opts.TelegramServer, opts.TelegramTimeout)
		if e != nil {
			log.Fatalf("[ERROR] failed to initialize telegram client, %v", e)
		}
		processor.Notifier = telegramClient
		processor.NotifyChannel = opts.TelegramChannel
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { // graceful termination on ^C
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	scheduler := proc.NewScheduler()
	defer scheduler.Stop()
	scheduler.Schedule(proc.SyncTaskName, conf.System.UpdateInterval, func(ctx context.Context) {
		for _, acc := range conf.Accounts {
			processor.Sync(ctx, acc.ID)
		}
	})

	server := api.Server{
		Version:   revision,
		Facade:    &query.Facade{Store: db},
		Processor: processor,
		Bus:       processor.Bus,
		Scheduler: scheduler,
	}
	server.Run(ctx, opts.Port)
}

func singleAccountConf(accountID string, updateInterval time.Duration) *Conf {
	conf := Conf{}
	conf.Accounts = []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	}{
		{ID: accountID, Name: accountID},
	}
	conf.System.UpdateInterval = updateInterval
	return &conf
}

func loadConfig(fname string) (res *Conf, err error) {
	res = &Conf{}
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	return res, nil
}

func setDefaults(conf *Conf) {
	if conf.System.UpdateInterval == 0 {
		conf.System.UpdateInterval = time.Minute * 15
	}
	if conf.System.Concurrent == 0 {
		conf.System.Concurrent = 8
	}
	if conf.System.MaxItems == 0 {
		conf.System.MaxItems = 100
	}
	if conf.System.FetchTimeout == 0 {
		conf.System.FetchTimeout = time.Second * 30
	}
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
