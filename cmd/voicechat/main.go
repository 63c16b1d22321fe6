// Command voicechat is a hands-free terminal client for the spoken dialogue
// service: it captures the microphone, detects utterance boundaries, streams
// turns over the duplex channel, and plays the synthesized replies.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vango-go/voicechat/internal/dotenv"
	"github.com/vango-go/voicechat/pkg/core/dialog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicechat:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "voicechat.yaml", "path to the YAML config file")
		envPath     = flag.String("env", ".env", "path to a dotenv file")
		wsURL       = flag.String("url", "", "websocket endpoint (overrides config and VOICECHAT_WS_URL)")
		exchangeURL = flag.String("exchange-url", "", "HTTP exchange endpoint for fallback mode")
		language    = flag.String("language", "", "conversation language tag")
		fallback    = flag.Bool("fallback", false, "use the HTTP exchange transport instead of the websocket channel")
		volume      = flag.Int("volume", 0, "playback volume 1-100")
		debug       = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if err := dotenv.LoadFile(*envPath); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	url := firstNonEmpty(*wsURL, os.Getenv("VOICECHAT_WS_URL"), cfg.Server.WSURL)
	exURL := firstNonEmpty(*exchangeURL, os.Getenv("VOICECHAT_EXCHANGE_URL"), cfg.Server.ExchangeURL)

	log, err := buildLogger(*debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	vol := *volume
	if vol == 0 {
		vol = cfg.Audio.FFplayVolume
	}
	speaker, err := newFFplaySpeaker(cfg.Audio.FFplayPath, vol)
	if err != nil {
		return err
	}
	defer func() { _ = speaker.Close() }()

	scfg := cfg.sessionConfig(*language)

	var session *dialog.Session
	switch {
	case *fallback:
		if exURL == "" {
			return fmt.Errorf("fallback mode needs -exchange-url, VOICECHAT_EXCHANGE_URL, or server.exchange_url")
		}
		log.Info("using HTTP exchange transport", zap.String("endpoint", exURL))
		session = dialog.NewFallbackSession(scfg, exURL, nil, speaker, log)
	default:
		if url == "" {
			return fmt.Errorf("no endpoint: set -url, VOICECHAT_WS_URL, or server.ws_url")
		}
		session = dialog.NewSession(scfg, cfg.transportConfig(url), speaker, log)
	}
	defer session.Close()

	detector := dialog.NewEnergyDetector(scfg.Detector, scfg.Format, log)
	detector.SetHandlers(dialog.NewBridge(session, log).Handlers())

	mic, err := newMicCapture(scfg.Format.SampleRate)
	if err != nil {
		return err
	}
	defer func() { _ = mic.Close() }()

	frameMs := cfg.Audio.FrameMs
	if frameMs <= 0 {
		frameMs = 20
	}
	go feedMic(mic, detector, scfg.Format.BytesForMs(frameMs), log)
	go printEvents(session, log)
	go retryOnEnter(session)

	session.Start()
	fmt.Println("voicechat: listening (ctrl-c to quit)")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nvoicechat: stopping")
	session.Stop()
	return nil
}

func feedMic(mic *micCapture, detector *dialog.EnergyDetector, frameBytes int, log *zap.Logger) {
	frame := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(mic, frame)
		if n > 0 {
			detector.Feed(frame[:n])
		}
		if err != nil {
			log.Debug("mic capture ended", zap.Error(err))
			return
		}
	}
}

// retryOnEnter lets the user leave the error phase from the keyboard.
func retryOnEnter(session *dialog.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if session.Phase() == dialog.PhaseError {
			session.Retry()
		}
	}
}

func printEvents(session *dialog.Session, log *zap.Logger) {
	for ev := range session.Events() {
		switch e := ev.(type) {
		case dialog.PhaseChangedEvent:
			log.Debug("phase", zap.Stringer("from", e.From), zap.Stringer("to", e.To))
		case dialog.ReplyReceivedEvent:
			if e.Reply.Text != "" {
				fmt.Printf("assistant: %s\n", e.Reply.Text)
			}
		case dialog.AdvisoryEvent:
			fmt.Printf("notice: %s\n", e.Message)
		case dialog.BargeInEvent:
			fmt.Println("(interrupted)")
		case dialog.ChannelLostEvent:
			fmt.Printf("connection lost (%s), reconnecting...\n", e.Reason)
		case dialog.ErrorEvent:
			fmt.Printf("error: %s (press enter to retry)\n", e.Err)
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
