// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openmentor/roomcall/internal/call"
	"github.com/openmentor/roomcall/internal/config"
	"github.com/openmentor/roomcall/internal/media"
	"github.com/openmentor/roomcall/internal/proto"
	"github.com/openmentor/roomcall/internal/signaling"
	"github.com/openmentor/roomcall/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: roomcall join <directory> [session-id]")
			os.Exit(1)
		}
		session := ""
		if len(args) > 2 {
			session = args[2]
		}
		runCall(args[1], session)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCall(dirArg, session string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "roomcall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	if session != "" {
		cfg.Call.SessionID = session
	}

	room := proto.Lobby
	if cfg.Call.SessionID != "" {
		room = proto.SessionRoom(cfg.Call.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := buildBus(ctx, absDir, cfg)
	if err != nil {
		log.Fatalf("Signaling: %v", err)
	}
	defer bus.Close()

	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		log.Fatalf("Capture: %v", err)
	}

	coord, err := call.New(call.Config{
		Room: room,
		Self: proto.ParticipantInfo{
			DisplayName: cfg.Call.DisplayName,
			Role:        cfg.Call.Role,
		},
		ICEServers: cfg.Call.ICEServers,
		EagerVideo: cfg.Call.EagerVideo,
	}, bus, capturer)
	if err != nil {
		log.Fatalf("Coordinator: %v", err)
	}
	defer coord.Close()

	printBanner(absDir, cfgPath, room, coord.SelfID(), cfg)

	if err := coord.Join(ctx); err != nil {
		log.Fatalf("Join failed: %v", err)
	}
	fmt.Println("Joined. Type 'help' for commands.")

	go watchSnapshots(coord)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nLeaving...")
		coord.Leave()
		cancel()
		os.Exit(0)
	}()

	commandLoop(coord)
	coord.Leave()
}

func buildBus(ctx context.Context, dir string, cfg config.Config) (signaling.Bus, error) {
	switch cfg.Signaling.Mode {
	case config.SignalingWebsocket:
		id := cfg.Call.DisplayName + "-" + fmt.Sprint(os.Getpid())
		return signaling.NewWebsocketBus(cfg.Signaling.RelayURL, id), nil
	default:
		return signaling.NewPubsubBus(ctx, signaling.PubsubOptions{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    util.ResolvePath(dir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.P2P.MdnsTag,
		})
	}
}

func watchSnapshots(coord *call.Coordinator) {
	snaps, cancel := coord.Subscribe()
	defer cancel()
	for s := range snaps {
		fmt.Printf("[call] participants=%d files=%d audio=%v video=%v\n",
			len(s.Participants), len(s.Files), s.Self.AudioEnabled, s.Self.VideoEnabled)
	}
}

func commandLoop(coord *call.Coordinator) {
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		line := strings.TrimSpace(in.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			fmt.Println("Commands: share <path> | audio | video | screen | status | journal | leave")

		case "share":
			if len(fields) < 2 {
				fmt.Println("Usage: share <path>")
				continue
			}
			shareFile(coord, fields[1])

		case "audio":
			if on, err := coord.ToggleAudio(); err != nil {
				fmt.Printf("audio: %v\n", err)
			} else {
				fmt.Printf("audio enabled: %v\n", on)
			}

		case "video":
			if on, err := coord.ToggleVideo(); err != nil {
				fmt.Printf("video: %v\n", err)
			} else {
				fmt.Printf("video enabled: %v\n", on)
			}

		case "screen":
			if on, err := coord.ToggleScreenShare(); err != nil {
				fmt.Printf("screen: %v\n", err)
			} else {
				fmt.Printf("screen sharing: %v\n", on)
			}

		case "status":
			printStatus(coord.Snapshot())

		case "journal":
			for _, e := range coord.Journal() {
				fmt.Printf("  %s  %s\n", e.At.Format("15:04:05"), e.Line)
			}

		case "leave", "quit", "exit":
			return

		default:
			fmt.Printf("Unknown command %q (try 'help')\n", fields[0])
		}
	}
}

func shareFile(coord *call.Coordinator, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("share: %v\n", err)
		return
	}
	name := filepath.Base(path)
	mtype := mime.TypeByExtension(filepath.Ext(name))
	if mtype == "" {
		mtype = "application/octet-stream"
	}
	rec, err := coord.ShareFile(name, mtype, data)
	if err != nil {
		fmt.Printf("share: %v\n", err)
		return
	}
	fmt.Printf("shared %s (%d bytes) as %s\n", rec.Name, rec.Size, rec.ID)
}

func printStatus(s call.Snapshot) {
	fmt.Printf("Room:   %s (in call: %v)\n", s.Room, s.InCall)
	fmt.Printf("Self:   %s audio=%v video=%v screen=%v\n",
		s.Self.DisplayName, s.Self.AudioEnabled, s.Self.VideoEnabled, s.Self.ScreenSharing)
	for _, p := range s.Participants {
		fmt.Printf("  peer %s (%s) link=%s audio=%v video=%v\n",
			p.DisplayName, p.UserID, p.Link, p.AudioEnabled, p.VideoEnabled)
	}
	for _, f := range s.Files {
		fmt.Printf("  file %s (%d bytes) from %s\n", f.Name, f.Size, f.Uploader)
	}
}

func showUsage() {
	fmt.Println("roomcall - peer-mesh call coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomcall join <directory> [session-id]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  join <directory> [session-id]")
	fmt.Println("        Join a call using the config in <directory>/roomcall.json")
	fmt.Println("        (created with defaults on first run). With no session-id")
	fmt.Println("        the shared lobby room is used.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Join the lobby on the LAN mesh")
	fmt.Println("  roomcall join ./me")
	fmt.Println()
	fmt.Println("  # Join a scoped session")
	fmt.Println("  roomcall join ./me standup-0824")
}

func printBanner(dir, cfgPath string, room proto.Room, selfID string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    roomcall peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Config:      %s\n", cfgPath)
	fmt.Printf("Room:        %s\n", room)
	fmt.Printf("Identity:    %s\n", selfID)
	fmt.Printf("Signaling:   %s\n", cfg.Signaling.Mode)
	if cfg.Signaling.Mode == config.SignalingWebsocket {
		fmt.Printf("Relay:       %s\n", cfg.Signaling.RelayURL)
	}
	fmt.Println()
	fmt.Println("Starting call... (Press Ctrl+C to leave)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
