package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/eventbus"
	model "github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/service/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/snapshot"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] could not load .env, using system environment only: %v", err)
	}

	endpoint := flag.String("endpoint", "ws://localhost:8080", "relay base URL")
	name := flag.String("name", "operator", "display name shown to the room")
	userID := flag.String("user", "", "stable user id (random when empty)")
	mode := flag.String("mode", "", "mode: create, join or resume")
	room := flag.String("room", "", "room code to join")
	session := flag.String("session", "", "session id to resume")
	snapshots := flag.String("snapshots", defaultSnapshotDir(), "directory for session snapshots")
	maxPeers := flag.Int("max", 0, "participant limit when creating (0 keeps the default)")
	timeout := flag.Duration("timeout", 15*time.Second, "join timeout")

	flag.Parse()

	if *mode != "create" && *mode != "join" && *mode != "resume" {
		flag.Usage()
		log.Fatal("pick a mode with -mode=create, -mode=join or -mode=resume")
	}

	id := *userID
	if id == "" {
		id = uuid.NewString()
		log.Printf("no -user given, using %s (pass it back to resume later)", id)
	}

	svc, err := collab.New(collab.Config{
		Endpoint:    *endpoint,
		Identity:    collab.Identity{UserID: id, Name: *name},
		JoinTimeout: *timeout,
		SnapshotDir: *snapshots,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printEvents(svc.Events())

	var sess model.Session
	switch *mode {
	case "create":
		sess = runCreate(ctx, svc, *maxPeers)
	case "join":
		sess = runJoin(ctx, svc, *room)
	case "resume":
		sess = runResume(ctx, svc, *snapshots, *session)
	}

	log.Printf("session %s room=%s participants=%d", sess.ID, sess.RoomCode, activeCount(sess))
	log.Printf("type to chat; /who roster, /measure <distance> [label], /leave; Ctrl-D detaches keeping the snapshot")

	runPrompt(ctx, svc)
}

func defaultSnapshotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roomsnap"
	}
	return filepath.Join(home, ".roomsnap", "sessions")
}

func runCreate(ctx context.Context, svc *collab.Service, maxPeers int) model.Session {
	settings := model.DefaultSettings()
	if maxPeers > 0 {
		settings.MaxParticipants = maxPeers
	}

	sess, err := svc.CreateSession(ctx, settings)
	if err != nil {
		log.Fatalf("create failed: %v", err)
	}

	log.Printf("room code %s, share it to let others join", sess.RoomCode)
	return sess
}

func runJoin(ctx context.Context, svc *collab.Service, room string) model.Session {
	if room == "" {
		log.Fatal("join mode needs a room code via -room")
	}

	sess, err := svc.JoinSession(ctx, strings.TrimSpace(room))
	if err != nil {
		log.Fatalf("join failed: %v", err)
	}
	return sess
}

func runResume(ctx context.Context, svc *collab.Service, snapshotDir, sessionID string) model.Session {
	if sessionID == "" {
		listSnapshots(snapshotDir)
		log.Fatal("resume mode needs a session id via -session")
	}

	sess, err := svc.Resume(ctx, sessionID)
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	return sess
}

// listSnapshots prints the resumable sessions found in the snapshot dir.
func listSnapshots(dir string) {
	snaps, err := snapshot.NewStore(dir, zap.NewNop())
	if err != nil {
		log.Printf("[WARN] cannot open snapshot dir %s: %v", dir, err)
		return
	}
	docs, err := snaps.LoadAll()
	if err != nil {
		log.Printf("[WARN] cannot list snapshots: %v", err)
		return
	}
	if len(docs) == 0 {
		log.Printf("no snapshots under %s", dir)
		return
	}
	log.Printf("sessions under %s:", dir)
	for _, doc := range docs {
		log.Printf("  %s room=%s updated=%s", doc.Session.ID, doc.Session.RoomCode,
			doc.Session.UpdatedAt.Format(time.RFC3339))
	}
}

// printEvents logs everything the engine surfaces so two terminals side by
// side show the room converging.
func printEvents(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventParticipantJoined, func(ev eventbus.Event) {
		e := ev.(eventbus.ParticipantJoined)
		log.Printf("* %s joined (%s)", e.Participant.Name, e.Participant.ID)
	})
	bus.Subscribe(eventbus.EventParticipantLeft, func(ev eventbus.Event) {
		e := ev.(eventbus.ParticipantLeft)
		log.Printf("* %s left (%s)", e.Participant.Name, e.Reason)
	})
	bus.Subscribe(eventbus.EventMeasurementUpdated, func(ev eventbus.Event) {
		e := ev.(eventbus.MeasurementUpdated)
		log.Printf("* measurement %s %q = %.2f%s v%d by %s",
			e.Measurement.ID, e.Measurement.Label, e.Measurement.Distance, e.Measurement.Unit, e.Measurement.Version, e.By)
	})
	bus.Subscribe(eventbus.EventAnnotationUpdated, func(ev eventbus.Event) {
		e := ev.(eventbus.AnnotationUpdated)
		log.Printf("* annotation %s %q by %s", e.Annotation.ID, e.Annotation.Content, e.By)
	})
	bus.Subscribe(eventbus.EventChatMessage, func(ev eventbus.Event) {
		e := ev.(eventbus.ChatMessage)
		log.Printf("<%s> %s", e.Name, e.Text)
	})
	bus.Subscribe(eventbus.EventSessionSynced, func(ev eventbus.Event) {
		e := ev.(eventbus.SessionSynced)
		log.Printf("* synced: %d measurements, %d annotations", len(e.Session.Measurements), len(e.Session.Annotations))
	})
	bus.Subscribe(eventbus.EventConnectionLost, func(ev eventbus.Event) {
		e := ev.(eventbus.ConnectionLost)
		log.Printf("* connection lost for good: %v", e.Err)
	})
}

// runPrompt reads stdin until EOF, /leave, or a signal. Plain lines go out
// as chat.
func runPrompt(ctx context.Context, svc *collab.Service) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if err := svc.Close(context.Background()); err != nil {
				log.Printf("[WARN] close failed: %v", err)
			}
			log.Println("detached, snapshot kept for -mode=resume")
			return
		case line, ok := <-lines:
			if !ok {
				if err := svc.Close(context.Background()); err != nil {
					log.Printf("[WARN] close failed: %v", err)
				}
				log.Println("detached, snapshot kept for -mode=resume")
				return
			}
			if handleLine(svc, line) {
				return
			}
		}
	}
}

// handleLine processes one prompt line and reports whether the tool is done.
func handleLine(svc *collab.Service, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/leave":
		if err := svc.LeaveSession(context.Background()); err != nil {
			log.Printf("[WARN] leave failed: %v", err)
		}
		log.Println("left the session")
		return true
	case line == "/who":
		sess, err := svc.Session()
		if err != nil {
			log.Printf("[WARN] %v", err)
			return false
		}
		for _, p := range sess.Participants {
			state := "away"
			if p.IsActive {
				state = "here"
			}
			fmt.Printf("  %-20s %-6s %s\n", p.Name, p.Role, state)
		}
		return false
	case strings.HasPrefix(line, "/measure "):
		sendMeasurement(svc, strings.TrimPrefix(line, "/measure "))
		return false
	case strings.HasPrefix(line, "/"):
		log.Printf("unknown command %q", line)
		return false
	default:
		if err := svc.SendChat(line); err != nil {
			log.Printf("[WARN] chat failed: %v", err)
		}
		return false
	}
}

// sendMeasurement adds a straight-line measurement of the given length so a
// second terminal can watch it arrive. Geometry normally comes from the AR
// layer; a segment along X stands in for it here.
func sendMeasurement(svc *collab.Service, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		log.Println("usage: /measure <distance> [label]")
		return
	}
	distance, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		log.Printf("bad distance %q: %v", fields[0], err)
		return
	}
	label := strings.Join(fields[1:], " ")

	points := []model.Point{{}, {X: distance}}
	m, err := svc.AddMeasurement(points, distance, model.UnitMeters, label)
	if err != nil {
		log.Printf("[WARN] measure failed: %v", err)
		return
	}
	log.Printf("added measurement %s (%.2fm)", m.ID, m.Distance)
}

func activeCount(sess model.Session) int {
	n := 0
	for _, p := range sess.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}
