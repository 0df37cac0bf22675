package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/offmsg/pkg/client"
	"github.com/aeolun/offmsg/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

type options struct {
	server   string
	clients  int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	rampUp   time.Duration
	prefix   string
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	messagesRead      atomic.Int64
	fetchFailures     atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordSuccess(elapsed time.Duration) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(elapsed.Microseconds())
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// botClient is one simulated user
type botClient struct {
	id       int
	username string
	client   *client.Client
	stats    *Stats
	rng      *rand.Rand
	peers    []string
}

func newBotClient(id int, opts options, stats *Stats) *botClient {
	return &botClient{
		id:       id,
		username: fmt.Sprintf("%s%d", opts.prefix, id),
		stats:    stats,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// connect dials and registers, falling back to login when a previous run
// already created the account
func (b *botClient) connect(addr string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	b.client = c

	const password = "loadtest"
	err = c.Register(b.username, "Load", "Test", password, password)
	if client.IsStatus(err, protocol.StatusConflict) {
		err = c.Login(b.username, password)
	}
	if err != nil {
		c.Close()
		return err
	}
	return nil
}

func (b *botClient) refreshPeers() error {
	users, err := b.client.ViewUsers(1)
	if err != nil {
		return err
	}
	b.peers = b.peers[:0]
	for _, u := range users {
		b.peers = append(b.peers, u.Username)
	}
	return nil
}

func (b *botClient) randomBody() string {
	n := 3 + b.rng.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[b.rng.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func (b *botClient) sendRandomMessage() error {
	if len(b.peers) == 0 {
		return nil
	}
	peer := b.peers[b.rng.Intn(len(b.peers))]
	start := time.Now()
	if _, err := b.client.SendMessage(peer, b.randomBody(), protocol.NoReply); err != nil {
		b.stats.messagesFailed.Add(1)
		return err
	}
	b.stats.recordSuccess(time.Since(start))
	return nil
}

// readInbox opens the first page of a random conversation and marks it read
func (b *botClient) readInbox() error {
	if len(b.peers) == 0 {
		return nil
	}
	peer := b.peers[b.rng.Intn(len(b.peers))]
	rows, err := b.client.ViewMessages(peer, 1)
	if err != nil {
		b.stats.fetchFailures.Add(1)
		return err
	}
	ids := client.UnreadIDs(rows, b.username)
	if err := b.client.MarkRead(ids...); err != nil {
		b.stats.fetchFailures.Add(1)
		return err
	}
	b.stats.messagesRead.Add(int64(len(ids)))
	return nil
}

func (b *botClient) run(ctx context.Context, opts options, log zerolog.Logger) {
	defer b.client.Quit()

	end := time.Now().Add(opts.duration)
	for iteration := 0; time.Now().Before(end); iteration++ {
		if iteration%5 == 0 {
			if err := b.refreshPeers(); err != nil {
				log.Debug().Err(err).Int("bot", b.id).Msg("refresh peers failed")
			}
		}

		err := b.sendRandomMessage()
		if err == nil && iteration%3 == 0 {
			err = b.readInbox()
		}
		if err != nil && !client.IsStatus(err, protocol.StatusBadRequest) {
			// Anything but a rejected request means the connection is gone
			b.stats.disconnections.Add(1)
			log.Debug().Err(err).Int("bot", b.id).Msg("bot stopped")
			return
		}

		delay := opts.minDelay
		if spread := opts.maxDelay - opts.minDelay; spread > 0 {
			delay += time.Duration(b.rng.Int63n(int64(spread)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runLoadTest spawns opts.clients bots, staggered over opts.rampUp, and
// waits for all of them to finish
func runLoadTest(ctx context.Context, opts options, log zerolog.Logger) *Stats {
	stats := &Stats{}
	var wg sync.WaitGroup

	stagger := time.Duration(0)
	if opts.clients > 1 {
		stagger = opts.rampUp / time.Duration(opts.clients)
	}

	stopStats := make(chan struct{})
	go reportStats(stats, time.Now(), stopStats, log)

spawn:
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot := newBotClient(id, opts, stats)
			if err := bot.connect(opts.server); err != nil {
				stats.connectionErrors.Add(1)
				log.Debug().Err(err).Int("bot", id).Msg("connect failed")
				return
			}
			stats.successfulClients.Add(1)
			bot.run(ctx, opts, log)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	close(stopStats)
	return stats
}

func reportStats(stats *Stats, start time.Time, stop <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sent, failed, connErrors, avgUs := stats.snapshot()
			log.Info().
				Int64("sent", sent).
				Float64("rate", float64(sent)/time.Since(start).Seconds()).
				Int64("failed", failed).
				Int64("conn_errors", connErrors).
				Float64("avg_ms", avgUs/1000).
				Msg("stats")
		case <-stop:
			return
		}
	}
}

func logResults(stats *Stats, opts options, log zerolog.Logger) {
	sent, failed, connErrors, avgUs := stats.snapshot()
	successful := stats.successfulClients.Load()

	ev := log.Info().
		Int("clients", opts.clients).
		Int64("connected", successful).
		Dur("duration", opts.duration).
		Int64("sent", sent).
		Float64("rate", float64(sent)/opts.duration.Seconds()).
		Int64("failed", failed).
		Int64("read", stats.messagesRead.Load()).
		Int64("fetch_failures", stats.fetchFailures.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", connErrors).
		Float64("avg_ms", avgUs/1000)
	if sent+failed > 0 {
		ev = ev.Float64("success_pct", float64(sent)/float64(sent+failed)*100)
	}
	ev.Msg("final results")
}
