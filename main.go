package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anancus/anancus/activitypub"
	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/util"
	"github.com/anancus/anancus/web"
	"github.com/charmbracelet/log"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	dataDir, err := util.GetDataDir()
	if err != nil {
		log.Fatal(err)
	}

	log.Info("Running database migrations...")
	database, err := db.Open(filepath.Join(dataDir, "anancus.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()
	log.Info("Database ready")

	system, err := activitypub.EnsureSystemAccount(database, conf)
	if err != nil {
		log.Fatal(err)
	}

	resolver := activitypub.NewResolver(database, system,
		time.Duration(conf.Conf.FetchTimeoutSecs)*time.Second)
	deliverer := activitypub.NewDeliverer(database, system, conf)

	env := &activitypub.Env{
		Store:    database,
		Resolver: resolver,
		Sender:   deliverer,
		Notifier: activitypub.LogNotifier{},
		Conf:     conf,
	}

	metrics := activitypub.NewDispatchCounter()
	dispatcher := activitypub.NewDispatcher(env, metrics)
	guard := activitypub.NewReplayGuard(database, conf.Conf.ReplayRetentionDays)
	inbox := activitypub.NewInboxService(env, dispatcher, guard)

	if conf.Conf.WithAp {
		deliverer.StartDeliveryWorker(time.Minute)
		guard.StartRetentionWorker(time.Hour)
	}

	server := web.NewServer(conf, database, inbox, system)
	startServing(server)
}

func startServing(server *web.Server) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	log.Info("Stopping federation server")
}
