// Command anillo-sim boots the Anillo kernel core in-process and runs
// a small channel-echo demo against it. Useful as a smoke test and as
// a worked example of the Kernel facade's calling convention.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	kernel "github.com/anillo-os/anillo-os-sub001"
	"github.com/anillo-os/anillo-os-sub001/internal/channel"
	"github.com/anillo-os/anillo-os-sub001/internal/logging"
	"github.com/anillo-os/anillo-os-sub001/internal/status"
)

func main() {
	var (
		sizeStr = flag.String("size", "16M", "Simulated physical RAM size (e.g. 16M, 1G)")
		cpus    = flag.Int("cpus", 1, "Number of simulated scheduler CPUs")
		verbose = flag.Bool("v", false, "Verbose (debug-level) logging")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *sizeStr, err)
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr})
	logging.SetDefault(logger)

	cfg := kernel.DefaultKernelConfig([]kernel.RegionConfig{
		{BasePage: 0, PageCount: uint32(size / 4096)},
	})
	cfg.NumCPUs = *cpus
	k := kernel.Boot(cfg)
	defer k.Shutdown()

	for i := 0; i < *cpus; i++ {
		k.Scheduler.StartCPU(i, -1)
	}

	if err := runEchoDemo(k); err != nil {
		log.Fatalf("demo failed: %v", err)
	}

	snap := k.Metrics.Snapshot()
	fmt.Printf("channel sends=%d receives=%d context switches=%d\n",
		snap.ChannelSends, snap.ChannelRecvs, snap.ContextSwitches)
}

// runEchoDemo drives a round trip through the Kernel facade: one
// goroutine stands in for each of the two threads involved, sending
// "ping" and replying with "pong" stamped onto the same conversation.
func runEchoDemo(k *kernel.Kernel) error {
	a, b := k.ChannelCreatePair(8)
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 2)

	go func() {
		msg := &channel.Message{Body: []byte("ping")}
		if st := k.ChannelSend(a, msg, channel.SendFlags{StartConversation: true}, 0); st != status.Ok {
			errs <- fmt.Errorf("send ping: %v", st)
			return
		}
		res, st := k.ChannelReceive(a, channel.ReceiveFlags{BodyBufferSize: 64, AttachmentsBufferSize: 64}, time.Second)
		if st != status.Ok {
			errs <- fmt.Errorf("receive pong: %v", st)
			return
		}
		log.Printf("got reply %q on conversation %d", res.Message.Body, res.Message.ConversationID)
		errs <- nil
	}()

	go func() {
		res, st := k.ChannelReceive(b, channel.ReceiveFlags{BodyBufferSize: 64, AttachmentsBufferSize: 64}, time.Second)
		if st != status.Ok {
			errs <- fmt.Errorf("receive ping: %v", st)
			return
		}
		reply := &channel.Message{Body: []byte("pong"), ConversationID: res.Message.ConversationID}
		if st := k.ChannelSend(b, reply, channel.SendFlags{}, 0); st != status.Ok {
			errs <- fmt.Errorf("send pong: %v", st)
			return
		}
		errs <- nil
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// parseSize parses human-friendly sizes like "64M" or "1G" into bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
