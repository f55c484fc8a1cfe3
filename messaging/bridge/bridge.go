// Package bridge maintains the relay connections: one subscription per
// configured relay for wallet requests addressed to the server key, and a
// fan-out publisher for signed responses.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/actors"
	"satchel/engine/library"
	"satchel/nwc"
)

const (
	sendQueueDepth = 64
	//quiet relays are cycled on this interval; redelivered events on the
	//fresh subscription are absorbed by the dedupe cache
	stalenessTimeout = 10 * time.Minute
	reconnectDelay   = 10 * time.Second
)

// Bridge connects to every configured relay and funnels deduplicated request
// events into one channel. The same request arriving from two relays is
// delivered once.
type Bridge struct {
	serverPub string
	urls      []string
	incoming  chan nostr.Event

	mu      deadlock.Mutex
	seen    map[string]bool
	backlog *library.Stack
	sends   []chan nostr.Event
}

func New(serverPub string, urls []string) *Bridge {
	return &Bridge{
		serverPub: serverPub,
		urls:      urls,
		incoming:  make(chan nostr.Event, sendQueueDepth),
		seen:      make(map[string]bool),
		backlog:   library.NewEventStack(8),
	}
}

// Events is the stream of verified, deduplicated wallet requests.
func (b *Bridge) Events() <-chan nostr.Event { return b.incoming }

// Start launches one loop per relay. Loops reconnect on their own; Start
// returns immediately.
func (b *Bridge) Start() {
	for _, url := range b.urls {
		send := make(chan nostr.Event, sendQueueDepth)
		b.mu.Lock()
		b.sends = append(b.sends, send)
		b.mu.Unlock()
		go b.run(url, send)
	}
}

// Publish fans a signed event out to every relay loop. A loop whose queue is
// full gets the event from the backlog once it drains.
func (b *Bridge) Publish(event nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := false
	for _, send := range b.sends {
		select {
		case send <- event:
			queued = true
		default:
		}
	}
	if !queued {
		b.backlog.Push(&event)
	}
}

// accept records an event id and reports whether it is new.
func (b *Bridge) accept(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[id] {
		return false
	}
	if len(b.seen) > 10000 {
		b.seen = make(map[string]bool)
	}
	b.seen[id] = true
	return true
}

func (b *Bridge) drainBacklog(send chan nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		event, ok := b.backlog.Pop()
		if !ok {
			return
		}
		select {
		case send <- *event:
		default:
			b.backlog.Push(event)
			return
		}
	}
}

func (b *Bridge) run(url string, send chan nostr.Event) {
	for {
		select {
		case <-actors.GetTerminateChan():
			return
		default:
		}
		relay, err := nostr.RelayConnect(context.Background(), url)
		if err != nil {
			library.LogCLI(fmt.Sprintf("cannot connect to %s: %s", url, err), 2)
			time.Sleep(reconnectDelay)
			continue
		}
		library.LogCLI("Connected to "+relay.URL, 4)
		b.subscribe(relay, send)
	}
}

// subscribe runs one connected session until the relay goes quiet or drops,
// then returns so run reconnects.
func (b *Bridge) subscribe(relay *nostr.Relay, send chan nostr.Event) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filters := nostr.Filters{{
		Kinds: []int{nwc.KindRequest},
		Tags:  nostr.TagMap{"p": []string{b.serverPub}},
	}}
	sub, err := relay.Subscribe(ctx, filters)
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}

	go func() {
		<-sub.EndOfStoredEvents
		library.LogCLI("Caught up with stored events on "+relay.URL, 5)
	}()

	b.drainBacklog(send)

	lastEventTime := time.Now()
	for {
		select {
		case e := <-send:
			go func() {
				sane := library.ValidateSaneExecutionTime()
				if _, err := relay.Publish(context.Background(), e); err != nil {
					library.LogCLI(err.Error(), 2)
				}
				sane()
			}()
		case ev := <-sub.Events:
			if ev == nil {
				library.LogCLI("Terminating connection to "+relay.URL, 3)
				return
			}
			lastEventTime = time.Now()
			if ok, _ := ev.CheckSignature(); !ok {
				continue
			}
			if !b.accept(ev.ID) {
				continue
			}
			b.incoming <- *ev
		case <-time.After(time.Minute):
			if time.Since(lastEventTime) > stalenessTimeout {
				library.LogCLI("No traffic from "+relay.URL+", reconnecting", 3)
				return
			}
		case <-actors.GetTerminateChan():
			return
		}
	}
}
