package chain

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	fastReconnectAttempts = 3
	fastReconnectDelay    = time.Second
)

// accountNotification is the payload of an account subscription event.
type accountNotification struct {
	Data string `json:"data"`
}

// Watcher keeps a live view of the pool's proof account. It holds the
// websocket subscription open for the life of the process, re-dialing
// whenever the stream drops, and fans decoded snapshots out to the
// epoch engine through an event feed.
type Watcher struct {
	wsURL   string
	account Pubkey
	log     log.Logger

	mu     sync.Mutex
	latest *Proof

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewWatcher tracks the proof account of authority over the websocket
// endpoint wsURL.
func NewWatcher(wsURL string, authority Pubkey) *Watcher {
	return &Watcher{
		wsURL:   wsURL,
		account: ProofAddress(authority),
		log:     log.New("module", "watcher"),
	}
}

// Prime seeds the latest snapshot before the subscription delivers its
// first update. Called once at boot with the proof fetched over HTTP.
func (w *Watcher) Prime(p *Proof) {
	w.mu.Lock()
	w.latest = p
	w.mu.Unlock()
}

// Latest returns the most recent proof snapshot, or nil before Prime.
func (w *Watcher) Latest() *Proof {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// SubscribeProof delivers every decoded proof update to ch.
func (w *Watcher) SubscribeProof(ch chan<- *Proof) event.Subscription {
	return w.scope.Track(w.feed.Subscribe(ch))
}

// Run maintains the subscription until ctx is cancelled. It never
// returns an error: all stream failures are retried in place.
func (w *Watcher) Run(ctx context.Context) {
	defer w.scope.Close()
	for ctx.Err() == nil {
		client := w.dial(ctx)
		if client == nil {
			return
		}
		w.watch(ctx, client)
		client.Close()
	}
}

// dial connects to the websocket endpoint: a burst of fast retries,
// then patient once-a-second attempts forever.
func (w *Watcher) dial(ctx context.Context) *rpc.Client {
	for attempt := 0; ; attempt++ {
		client, err := rpc.DialContext(ctx, w.wsURL)
		if err == nil {
			w.log.Info("Proof subscription connection established")
			return client
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt < fastReconnectAttempts {
			w.log.Error("Failed to connect proof subscription, retrying", "attempt", attempt+1, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(fastReconnectDelay):
		}
	}
}

// watch consumes one subscription until it breaks. Undecodable payloads
// are logged and dropped without tearing the stream down.
func (w *Watcher) watch(ctx context.Context, client *rpc.Client) {
	ch := make(chan accountNotification, 16)
	sub, err := client.Subscribe(ctx, "account", ch, "subscribe", w.account.String())
	if err != nil {
		w.log.Error("Proof account subscribe failed", "err", err)
		return
	}
	defer sub.Unsubscribe()
	w.log.Info("Tracking pool proof updates", "account", w.account)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			w.log.Error("Proof subscription dropped", "err", err)
			return
		case note := <-ch:
			raw, err := base64.StdEncoding.DecodeString(note.Data)
			if err != nil {
				w.log.Error("Failed to decode account payload", "err", err)
				continue
			}
			proof, err := DecodeProof(raw)
			if err != nil {
				w.log.Error("Failed to decode proof update", "err", err)
				continue
			}
			w.log.Debug("Got new proof data", "challenge", Pubkey(proof.Challenge))
			w.mu.Lock()
			w.latest = proof
			w.mu.Unlock()
			w.feed.Send(proof)
		}
	}
}
