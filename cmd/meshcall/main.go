package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meshcall/internal/domain"
	"meshcall/internal/mesh"
)

var (
	flagServer string
	flagUserID int64
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:   "meshcall",
		Short: "Mesh video-call client",
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "", "relay websocket URL (default $MESHCALL_SERVER or ws://localhost:8080/ws)")
	root.PersistentFlags().Int64Var(&flagUserID, "user", 0, "user id (default $MESHCALL_USER_ID or random)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")

	join := &cobra.Command{
		Use:   "join",
		Short: "Log in, join the roster and negotiate peer sessions interactively",
		RunE:  runJoin,
	}
	root.AddCommand(join)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runJoin(cmd *cobra.Command, _ []string) error {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	server := flagServer
	if server == "" {
		server = os.Getenv("MESHCALL_SERVER")
	}
	if server == "" {
		server = "ws://localhost:8080/ws"
	}

	userID := domain.UserID(flagUserID)
	if userID == 0 {
		if env := os.Getenv("MESHCALL_USER_ID"); env != "" {
			n, err := strconv.ParseInt(env, 10, 64)
			if err != nil {
				return fmt.Errorf("MESHCALL_USER_ID: %w", err)
			}
			userID = domain.UserID(n)
		} else {
			// Collisions are possible and accepted; the relay rejects
			// a live duplicate at login.
			userID = domain.UserID(rand.Int63n(1_000_000) + 1)
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sig, err := mesh.Dial(ctx, server)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	coord := mesh.NewCoordinator(userID, sig, mesh.NewEngine(nil))
	go coord.Run(ctx)
	go printEvents(coord.Events())

	if err := sig.Login(userID); err != nil {
		return err
	}
	if err := sig.Join(); err != nil {
		return err
	}
	fmt.Printf("joined as user %s (commands: call <id> | accept <id> | reject <id> | msg <id> <text> | data <text> | quit)\n", userID)

	readCommands(ctx, cancel, coord)

	coord.Shutdown()
	return nil
}

func readCommands(ctx context.Context, cancel context.CancelFunc, coord *mesh.Coordinator) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call", "accept", "reject", "msg":
			if len(fields) < 2 {
				fmt.Println("usage:", fields[0], "<id> ...")
				continue
			}
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("bad user id:", fields[1])
				continue
			}
			id := domain.UserID(n)
			switch fields[0] {
			case "call":
				coord.Call(id)
			case "accept":
				coord.Accept(id)
			case "reject":
				coord.Reject(id)
			case "msg":
				coord.SendChat(id, strings.Join(fields[2:], " "))
			}
		case "data":
			coord.SendData(strings.Join(fields[1:], " "))
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func printEvents(events <-chan mesh.Event) {
	for ev := range events {
		switch ev.Kind {
		case mesh.EventLoggedIn:
			fmt.Printf("* logged in as %s\n", ev.UserID)
		case mesh.EventRoster:
			fmt.Printf("* %s joined, roster: %v\n", ev.UserID, ev.UserIDs)
		case mesh.EventUserLeft:
			fmt.Printf("* %s left\n", ev.UserID)
		case mesh.EventOfferReceived:
			fmt.Printf("* incoming call from %s (accept %s / reject %s)\n", ev.UserID, ev.UserID, ev.UserID)
		case mesh.EventPeerState:
			fmt.Printf("* peer %s: %s\n", ev.UserID, ev.State)
		case mesh.EventChannelOpen:
			fmt.Printf("* data channel to %s open (%d total)\n", ev.UserID, ev.Channels)
		case mesh.EventChannelClosed:
			fmt.Printf("* data channel to %s closed (%d total)\n", ev.UserID, ev.Channels)
		case mesh.EventDataMessage:
			fmt.Printf("[data %s] %s\n", ev.UserID, ev.Text)
		case mesh.EventChat:
			fmt.Printf("[chat %s] %s\n", ev.UserID, ev.Text)
		case mesh.EventRemoteTrack:
			fmt.Printf("* remote %s track from %s\n", ev.Track.Kind(), ev.UserID)
		case mesh.EventCaptureStarted:
			fmt.Println("* local capture started")
		case mesh.EventCaptureStopped:
			fmt.Println("* local capture stopped")
		case mesh.EventError:
			fmt.Printf("! %v\n", ev.Err)
		}
	}
}
