package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Paulmait/roomsnap-sub000/internal/eventbus"
	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
	collabsvc "github.com/Paulmait/roomsnap-sub000/internal/service/collab"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, code string, host bool) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rooms/" + code
	if host {
		u += "?host=1"
	}
	return u
}

// testPeer is a raw protocol-speaking client, used to poke at the relay
// without dragging the whole engine in.
type testPeer struct {
	conn *websocket.Conn
	id   string
	seq  uint64
	in   chan protocol.Envelope
}

func dialPeer(t *testing.T, url, id string) *testPeer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	p := &testPeer{conn: conn, id: id, in: make(chan protocol.Envelope, 32)}
	go p.readLoop()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.in)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		p.in <- env
	}
}

func (p *testPeer) send(t *testing.T, typ protocol.MessageType, sessionID string, payload any) {
	t.Helper()
	p.seq++
	env, err := protocol.NewEnvelope(typ, sessionID, p.id, p.seq, time.Now(), payload)
	require.NoError(t, err)
	data, err := protocol.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, data))
}

// expect waits for the next envelope of the given type, skipping interleaved
// traffic.
func (p *testPeer) expect(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-p.in:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", typ)
			}
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

// expectClosed waits for the relay to hang up on this peer.
func (p *testPeer) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-p.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection still open")
		}
	}
}

func relaySession(code string, settings collab.Settings) collab.Session {
	now := time.Now().UTC()
	return collab.Session{
		ID:       "sess-" + code,
		RoomCode: code,
		HostID:   "p-host",
		Participants: []collab.Participant{{
			ID:       "p-host",
			UserID:   "u-host",
			Name:     "Avery",
			Role:     collab.RoleHost,
			IsActive: true,
			JoinedAt: now,
			LastSeen: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  settings,
	}
}

// joinRoom materializes a room through a host announce and admits one guest,
// returning both once the relay has acknowledged each with a sync.
func joinRoom(t *testing.T, ts *httptest.Server, code string, settings collab.Settings) (host, guest *testPeer, sess collab.Session) {
	t.Helper()
	sess = relaySession(code, settings)

	host = dialPeer(t, wsURL(ts, code, true), "p-host")
	host.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: sess.Participants[0],
		RoomCode:    code,
		Session:     &sess,
	})
	host.expect(t, protocol.MessageSync)

	guest = dialPeer(t, wsURL(ts, code, false), "p-guest")
	guest.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: collab.Participant{ID: "p-guest", UserID: "u-guest", Name: "Blake"},
		RoomCode:    code,
	})
	guest.expect(t, protocol.MessageSync)
	host.expect(t, protocol.MessageJoin)
	return host, guest, sess
}

func TestUnknownRoomIsRefusedBeforeUpgrade(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "AAAAAA", false), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, readErr)
	require.JSONEq(t, `{"error":"room not found"}`, string(body))
}

func TestMalformedRoomCodeIsRefused(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "abc", true), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHostMaterializesRoomAndGuestSyncs(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	sess := relaySession("ABC123", collab.DefaultSettings())

	host := dialPeer(t, wsURL(ts, "ABC123", true), "p-host")
	host.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: sess.Participants[0],
		RoomCode:    "ABC123",
		Session:     &sess,
	})

	env := host.expect(t, protocol.MessageSync)
	require.Equal(t, protocol.ServerParticipantID, env.ParticipantID)
	require.Equal(t, sess.ID, env.SessionID)

	guest := dialPeer(t, wsURL(ts, "ABC123", false), "p-guest")
	guest.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: collab.Participant{ID: "p-guest", UserID: "u-guest", Name: "Blake"},
		RoomCode:    "ABC123",
	})

	var sy protocol.SyncPayload
	require.NoError(t, protocol.DecodePayload(guest.expect(t, protocol.MessageSync), &sy))
	require.NotNil(t, sy.Session)
	require.Equal(t, sess.ID, sy.Session.ID)
	require.Len(t, sy.Session.Participants, 2)

	// The host hears the guest announce itself.
	relayed := host.expect(t, protocol.MessageJoin)
	require.Equal(t, "p-guest", relayed.ParticipantID)
}

func TestGuestParkedUntilHostAnnounces(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	sess := relaySession("PRK111", collab.DefaultSettings())

	// The host has dialed (materializing the room slot) but not announced.
	host := dialPeer(t, wsURL(ts, "PRK111", true), "p-host")
	guest := dialPeer(t, wsURL(ts, "PRK111", false), "p-guest")
	guest.send(t, protocol.MessageJoin, "PRK111", protocol.JoinPayload{
		Participant: collab.Participant{ID: "p-guest", UserID: "u-guest", Name: "Blake"},
		RoomCode:    "PRK111",
	})

	host.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: sess.Participants[0],
		RoomCode:    "PRK111",
		Session:     &sess,
	})

	var sy protocol.SyncPayload
	require.NoError(t, protocol.DecodePayload(guest.expect(t, protocol.MessageSync), &sy))
	require.NotNil(t, sy.Session)
	require.Len(t, sy.Session.Participants, 2, "the parked guest is admitted with the host")

	host.expect(t, protocol.MessageSync)
	relayed := host.expect(t, protocol.MessageJoin)
	require.Equal(t, "p-guest", relayed.ParticipantID)
}

func TestRelayFansOutWithoutEchoingToSender(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	host, guest, sess := joinRoom(t, ts, "FAN222", collab.DefaultSettings())

	host.send(t, protocol.MessageMeasurement, sess.ID, protocol.MeasurementPayload{
		Measurement: collab.Measurement{ID: "m1", AuthorID: "p-host", Distance: 2, Unit: collab.UnitMeters, Version: 1},
	})
	env := guest.expect(t, protocol.MessageMeasurement)
	require.Equal(t, "p-host", env.ParticipantID)

	guest.send(t, protocol.MessageChat, sess.ID, protocol.ChatPayload{Text: "got it", Name: "Blake"})
	host.expect(t, protocol.MessageChat)

	select {
	case stray := <-host.in:
		t.Fatalf("sender received its own %q envelope back", stray.Type)
	default:
	}
}

func TestLateJoinerSeesFreshestVersion(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	host, guest, sess := joinRoom(t, ts, "VER333", collab.DefaultSettings())

	m := collab.Measurement{ID: "m1", AuthorID: "p-guest", Distance: 1, Unit: collab.UnitMeters, Label: "first", Version: 1}
	guest.send(t, protocol.MessageMeasurement, sess.ID, protocol.MeasurementPayload{Measurement: m})
	m.Version = 2
	m.Label = "second"
	guest.send(t, protocol.MessageMeasurement, sess.ID, protocol.MeasurementPayload{Measurement: m})

	// Both edits reaching the host means the relay has observed them.
	host.expect(t, protocol.MessageMeasurement)
	host.expect(t, protocol.MessageMeasurement)

	// A third peer joining afterwards gets the freshest copy in its sync.
	late := dialPeer(t, wsURL(ts, "VER333", false), "p-late")
	late.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: collab.Participant{ID: "p-late", UserID: "u-late", Name: "Casey"},
		RoomCode:    "VER333",
	})
	var sy protocol.SyncPayload
	require.NoError(t, protocol.DecodePayload(late.expect(t, protocol.MessageSync), &sy))
	require.NotNil(t, sy.Session)
	require.Len(t, sy.Session.Measurements, 1)
	require.Equal(t, uint64(2), sy.Session.Measurements[0].Version)
	require.Equal(t, "second", sy.Session.Measurements[0].Label)
}

func TestFullRoomIsRefusedBeforeUpgrade(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	settings := collab.DefaultSettings()
	settings.MaxParticipants = 2
	joinRoom(t, ts, "FUL444", settings)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "FUL444", false), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, readErr)
	require.JSONEq(t, `{"error":"room is full"}`, string(body))
}

// A client dropping out while the room is fanning an envelope out must
// never take the relay down: broadcast holds no lock while it sends, so the
// disconnect path may not close the channel it is sending on.
func TestDropDuringBroadcastIsSafe(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rm := newRoom("RAC111", clockwork.NewRealClock(), logger, newMetrics(prometheus.NewRegistry()))

	env, err := protocol.NewEnvelope(protocol.MessageChat, "sess-1", "p1", 1, time.Now(),
		protocol.ChatPayload{Text: "hi"})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		for i := 0; i < 2000; i++ {
			c := newClient(rm, nil, logger)
			rm.addClient(c)

			dropped := make(chan struct{})
			go func() {
				defer close(dropped)
				rm.dropClient(c)
			}()
			rm.broadcast(env, nil)
			<-dropped
		}
	})
}

func TestDepartedSeatStillCountsTowardCapacity(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	settings := collab.DefaultSettings()
	settings.MaxParticipants = 2
	host, guest, sess := joinRoom(t, ts, "CAP321", settings)

	guest.conn.Close()
	host.expect(t, protocol.MessageLeave)

	// The roster entry outlives the departure, so the room is still full
	// for anyone new — refused before the upgrade like any full room.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "CAP321", false), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, readErr)
	require.JSONEq(t, `{"error":"room is full"}`, string(body))

	// The departed guest itself gets back in: its dial names its roster
	// entry, which makes the attempt a rejoin rather than a new seat.
	rejoined := dialPeer(t, wsURL(ts, "CAP321", false)+"?participant=p-guest", "p-guest")
	rejoined.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: collab.Participant{ID: "p-guest", UserID: "u-guest", Name: "Blake"},
		RoomCode:    "CAP321",
	})
	var sy protocol.SyncPayload
	require.NoError(t, protocol.DecodePayload(rejoined.expect(t, protocol.MessageSync), &sy))
	require.NotNil(t, sy.Session)
	require.Len(t, sy.Session.Participants, 2, "rejoin reactivates, never duplicates")
}

func TestDisconnectSynthesizesLeave(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	host, guest, _ := joinRoom(t, ts, "BYE555", collab.DefaultSettings())

	guest.conn.Close()

	env := host.expect(t, protocol.MessageLeave)
	require.Equal(t, protocol.ServerParticipantID, env.ParticipantID)
	var p protocol.LeavePayload
	require.NoError(t, protocol.DecodePayload(env, &p))
	require.Equal(t, "p-guest", p.ParticipantID)
	require.Equal(t, protocol.LeaveReasonDisconnected, p.Reason)
}

func TestHostRejoinDoesNotRegressRelayState(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	host, guest, sess := joinRoom(t, ts, "REJ666", collab.DefaultSettings())

	host.send(t, protocol.MessageMeasurement, sess.ID, protocol.MeasurementPayload{
		Measurement: collab.Measurement{ID: "m1", AuthorID: "p-host", Distance: 4, Unit: collab.UnitMeters, Version: 1},
	})
	guest.expect(t, protocol.MessageMeasurement)

	host.conn.Close()
	guest.expect(t, protocol.MessageLeave)

	// The returning host offers a stale session copy; the relay keeps its
	// own, richer state and answers with it.
	stale := sess
	stale.Measurements = nil
	rejoined := dialPeer(t, wsURL(ts, "REJ666", true), "p-host")
	rejoined.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: sess.Participants[0],
		RoomCode:    "REJ666",
		Session:     &stale,
	})

	var sy protocol.SyncPayload
	require.NoError(t, protocol.DecodePayload(rejoined.expect(t, protocol.MessageSync), &sy))
	require.NotNil(t, sy.Session)
	require.Len(t, sy.Session.Measurements, 1, "relay state survives a host reconnect")
}

func TestRoomBoundEvictsOldest(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxRooms: 1})

	sess := relaySession("EVA777", collab.DefaultSettings())
	hostA := dialPeer(t, wsURL(ts, "EVA777", true), "p-host")
	hostA.send(t, protocol.MessageJoin, sess.ID, protocol.JoinPayload{
		Participant: sess.Participants[0], RoomCode: "EVA777", Session: &sess,
	})
	hostA.expect(t, protocol.MessageSync)

	// A second room pushes the first out of the bound.
	dialPeer(t, wsURL(ts, "EVB888", true), "p-host-b")

	hostA.expectClosed(t)
}

func TestRoomInfoEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	_, _, sess := joinRoom(t, ts, "NFO999", collab.DefaultSettings())

	resp, err := http.Get(ts.URL + "/api/rooms/NFO999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		RoomCode           string `json:"roomCode"`
		SessionID          string `json:"sessionId"`
		ActiveParticipants int    `json:"activeParticipants"`
		MaxParticipants    int    `json:"maxParticipants"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Equal(t, "NFO999", info.RoomCode)
	require.Equal(t, sess.ID, info.SessionID)
	require.Equal(t, 2, info.ActiveParticipants)
	require.Equal(t, collab.DefaultMaxParticipants, info.MaxParticipants)

	missing, err := http.Get(ts.URL + "/api/rooms/ZZZZZ1")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	joinRoom(t, ts, "MET000", collab.DefaultSettings())

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, metrics.StatusCode)
	require.Contains(t, string(body), "roomsnap_relay_rooms_open")
	require.Contains(t, string(body), "roomsnap_relay_clients_connected")
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestEnginesCollaborateThroughRelay runs two real client engines against an
// in-process relay: create, join, share a measurement, chat, leave.
func TestEnginesCollaborateThroughRelay(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http")

	host, err := collabsvc.New(collabsvc.Config{
		Endpoint: endpoint,
		Identity: collabsvc.Identity{UserID: "u-host", Name: "Avery"},
	}, collabsvc.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { host.Close(context.Background()) })

	joined := make(chan eventbus.Event, 8)
	host.Events().Subscribe(eventbus.EventParticipantJoined, func(e eventbus.Event) { joined <- e })
	measured := make(chan eventbus.Event, 8)
	host.Events().Subscribe(eventbus.EventMeasurementUpdated, func(e eventbus.Event) { measured <- e })
	chats := make(chan eventbus.Event, 8)
	host.Events().Subscribe(eventbus.EventChatMessage, func(e eventbus.Event) { chats <- e })
	left := make(chan eventbus.Event, 8)
	host.Events().Subscribe(eventbus.EventParticipantLeft, func(e eventbus.Event) { left <- e })

	sess, err := host.CreateSession(context.Background(), collab.DefaultSettings())
	require.NoError(t, err)

	// The room is dialable once the host's announce lands.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/rooms/" + sess.RoomCode)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var info struct {
			Active int `json:"activeParticipants"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return false
		}
		return info.Active >= 1
	}, 5*time.Second, 20*time.Millisecond)

	guest, err := collabsvc.New(collabsvc.Config{
		Endpoint: endpoint,
		Identity: collabsvc.Identity{UserID: "u-guest", Name: "Blake"},
	}, collabsvc.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { guest.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	guestView, err := guest.JoinSession(ctx, sess.RoomCode)
	require.NoError(t, err)
	require.Equal(t, sess.ID, guestView.ID)
	require.Len(t, guestView.Participants, 2)

	arrival := waitEvent(t, joined).(eventbus.ParticipantJoined)
	require.Equal(t, "Blake", arrival.Participant.Name)

	m, err := guest.AddMeasurement([]collab.Point{{}, {X: 3}}, 3, collab.UnitMeters, "window")
	require.NoError(t, err)
	ev := waitEvent(t, measured).(eventbus.MeasurementUpdated)
	require.Equal(t, m.ID, ev.Measurement.ID)

	snap, err := host.Session()
	require.NoError(t, err)
	require.Len(t, snap.Measurements, 1)

	require.NoError(t, guest.SendChat("two meters short"))
	chat := waitEvent(t, chats).(eventbus.ChatMessage)
	require.Equal(t, "two meters short", chat.Text)
	require.Equal(t, "Blake", chat.Name)

	require.NoError(t, guest.LeaveSession(context.Background()))
	gone := waitEvent(t, left).(eventbus.ParticipantLeft)
	require.Equal(t, protocol.LeaveReasonLeft, gone.Reason)
	require.Equal(t, "Blake", gone.Participant.Name)
}
