package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaystream/server/internal/audiopipe"
	"github.com/relaystream/server/internal/avstreamer"
	"github.com/relaystream/server/internal/config"
	"github.com/relaystream/server/internal/logging"
	"github.com/relaystream/server/internal/qos"
	"github.com/relaystream/server/internal/transport"
	"github.com/relaystream/server/internal/videopipe"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "streamserver",
	Short: "Low-latency remote desktop A/V streaming server",
	Long:  `streamserver captures, encodes, and multicasts a monoscopic video and audio stream to subscribed viewer/controller sessions with QoS-driven adaptive bitrate and framerate.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming server in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamserver v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate server configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate configuration without starting the server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		result := cfg.ValidateTiered()
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %v\n", w)
		}
		if result.HasFatals() {
			for _, f := range result.Fatals {
				fmt.Fprintf(os.Stderr, "error: %v\n", f)
			}
			os.Exit(1)
		}
		fmt.Println("config OK")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/streamrelay/streamserver.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config warning", "error", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config error", "error", f)
		}
		os.Exit(1)
	}

	orch := avstreamer.New(avstreamer.Config{
		StreamID:    1,
		MaxSessions: cfg.MaxSessions,
		Video: videopipe.InitParams{
			StreamWidth:         cfg.VideoWidth,
			StreamHeight:        cfg.VideoHeight,
			TargetBitrate:       cfg.VideoMaxBitrate,
			TargetFramerate:     cfg.VideoMaxFramerate,
			PreserveAspectRatio: cfg.PreserveAspect,
		},
		Audio: audiopipe.InitParams{
			Input:  audiopipe.Format{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels, ChannelLayout: "stereo", SampleFormat: "s16"},
			Output: audiopipe.Format{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels, ChannelLayout: "stereo", SampleFormat: "s16"},
			Codec:  cfg.AudioCodec,
		},
		QoS: qos.Params{
			TimeBeforePanic:       time.Duration(cfg.QoSTimeBeforePanicMs) * time.Millisecond,
			ThresholdIDR:          cfg.QoSThresholdIDR,
			PanicThresholdIDR:     cfg.QoSPanicThresholdIDR,
			MaxEncoderQueueDepth:  cfg.QoSMaxEncoderQueueDepth,
			MaxDecoderQueueDepth:  cfg.QoSMaxDecoderQueueDepth,
			Strategy:              qos.StrategyAdjustBoth,
			MinFramerate:          cfg.VideoMinFramerate,
			MaxFramerate:          cfg.VideoMaxFramerate,
			FramerateStep:         cfg.QoSFramerateStep,
			FramerateAdjustPeriod: time.Duration(cfg.QoSFramerateAdjustPeriodMs) * time.Millisecond,
			MinBitrate:            cfg.VideoMinBitrate,
			MaxBitrate:            cfg.VideoMaxBitrate,
			BitrateStep:           cfg.QoSBitrateStep,
			BitrateAdjustPeriod:   time.Duration(cfg.QoSBitrateAdjustPeriodMs) * time.Millisecond,
		},
	}, nil, nil)

	if err := orch.Start(); err != nil {
		log.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Shutdown()

	var cipher *transport.Cipher
	if cfg.Passphrase != "" {
		cipher, err = transport.NewCipher(cfg.Passphrase)
		if err != nil {
			log.Error("failed to derive cipher from passphrase", "error", err)
			os.Exit(1)
		}
	}

	srv := transport.NewServer(orch, transport.Config{
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: time.Duration(cfg.IdleTimeoutS) * time.Second,
		Cipher:      cipher,
	})
	go srv.RunSessionMonitor(time.Second)

	conn, err := net.ListenPacket(cfg.Transport, cfg.ListenAddr)
	if err != nil {
		log.Error("failed to bind listen address", "addr", cfg.ListenAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	log.Info("streamserver listening", "addr", cfg.ListenAddr, "transport", cfg.Transport)

	go serveLoop(conn, srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop()
}

func serveLoop(conn net.PacketConn, srv *transport.Server) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			log.Warn("read error", "error", err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		fromAddr := addr
		if err := srv.HandleMessage(fromAddr, data, func(payload []byte) error {
			_, err := conn.WriteTo(payload, fromAddr)
			return err
		}); err != nil {
			log.Warn("failed to handle message", "addr", fromAddr.String(), "error", err)
		}
	}
}
