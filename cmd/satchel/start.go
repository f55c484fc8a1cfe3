package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"satchel/backup"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/messaging/bridge"
	"satchel/nwc"
	"satchel/payments"
	"satchel/web"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the wallet daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
	conf := actors.MakeOrGetConfig()
	terminate := make(chan struct{})
	actors.SetTerminateChan(terminate)

	//first run gets a random admin token so the REST surface is never open
	if conf.GetString("adminToken") == "" {
		conf.Set("adminToken", uuid.NewString())
		if err := conf.WriteConfig(); err != nil {
			library.LogCLI(err.Error(), 1)
		}
		library.LogCLI("generated admin token: "+conf.GetString("adminToken"), 4)
	}

	identity := actors.MyIdentity()
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.registry.LoadAll(ctx); err != nil {
		library.LogCLI(err.Error(), 1)
	}
	svc.registry.RefreshGatewayCaches(ctx)
	if invite := conf.GetString("inviteCode"); invite != "" {
		if _, err := svc.registry.Join(ctx, invite, conf.GetString("manualSecret")); err != nil {
			library.LogCLI("cannot join configured federation: "+err.Error(), 2)
		}
	}

	relays := conf.GetStringSlice("relays")
	relayBridge := bridge.New(svc.serverPub, relays)

	publish := relayBridge.Publish
	if conf.GetBool("doNotPublish") {
		publish = func(event nostr.Event) {
			library.LogCLI("doNotPublish is set, dropping event "+event.ID, 3)
		}
	}
	dispatcher := payments.NewDispatcher()
	processor, err := nwc.NewProcessor(svc.registry, dispatcher, svc.profiles, svc.pending, svc.ledger, svc.serverSK, publish)
	if err != nil {
		return err
	}

	relayBridge.Start()
	actors.GetWaitGroup().Add(1)
	go func() {
		defer actors.GetWaitGroup().Done()
		for {
			select {
			case event := <-relayBridge.Events():
				go processor.HandleEvent(ctx, event)
			case <-actors.GetTerminateChan():
				return
			}
		}
	}()

	if !identity.SentInfo && !conf.GetBool("doNotPublish") {
		processor.PublishInfo()
		actors.MarkInfoSent()
	}

	relay := ""
	if len(relays) > 0 {
		relay = relays[0]
	}
	server := web.NewServer(svc.registry, dispatcher, processor, svc.minter(relay), svc.profiles, conf.GetString("adminToken"))
	go func() {
		library.LogCLI("REST listening on "+conf.GetString("listenAddr"), 4)
		if err := http.ListenAndServe(conf.GetString("listenAddr"), server.Router()); err != nil {
			library.LogCLI(err.Error(), 1)
		}
	}()

	if backupDir := conf.GetString("backupDir"); backupDir != "" {
		watcher := backup.NewWatcher(conf.GetString("rootDir"), backupDir, time.Duration(conf.GetInt("backupDebounceSeconds"))*time.Second)
		go func() {
			if err := watcher.Run(); err != nil {
				library.LogCLI(err.Error(), 2)
			}
		}()
	}

	go refreshLoop(ctx, svc, processor)
	go cliListener(processor, svc)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-interrupt:
		library.LogCLI("shutting down", 4)
		actors.Shutdown()
	case <-actors.GetTerminateChan():
	}
	cancel()
	actors.GetWaitGroup().Wait()
	return nil
}

// refreshLoop owns the periodic chores: gateway cache refresh and the sweep
// of expired pending approvals.
func refreshLoop(ctx context.Context, svc *services, processor *nwc.Processor) {
	gatewayTick := time.NewTicker(time.Duration(actors.MakeOrGetConfig().GetInt("gatewayRefreshMinutes")) * time.Minute)
	sweepTick := time.NewTicker(time.Duration(actors.MakeOrGetConfig().GetInt("pendingSweepSeconds")) * time.Second)
	defer gatewayTick.Stop()
	defer sweepTick.Stop()
	for {
		select {
		case <-gatewayTick.C:
			svc.registry.RefreshGatewayCaches(ctx)
		case <-sweepTick.C:
			processor.SweepExpired()
		case <-actors.GetTerminateChan():
			return
		}
	}
}
