package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oslerlabs/patientsim/internal/transcript"
	"github.com/oslerlabs/patientsim/pkg/realtime"
	"github.com/oslerlabs/patientsim/pkg/realtime/mock"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *sinkRecorder) Deliver(ctx context.Context, sessionID string, ev transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestConversation(t *testing.T, sess *mock.Session, info SessionInfo, notes *notifyLog, sink RelaySink) *Conversation {
	t.Helper()
	return New(Config{
		EncounterID:  "enc-1",
		Provider:     &mock.Provider{ConnectResult: sess},
		Media:        &fakeMedia{},
		Sessions:     &fakeSessions{infos: []SessionInfo{info}},
		Composer:     testComposer(),
		Phase:        "history",
		Instructions: "you are a patient",
		Notify:       notes.record,
		Relay:        sink,
		Timers:       newManualTimers().Factory,
	})
}

func startAndAck(t *testing.T, c *Conversation, sess *mock.Session) {
	t.Helper()
	c.Start(context.Background())
	waitFor(t, "connected", func() bool { return c.Status() == StatusConnected })
	sess.Emit(realtime.SessionAck{})
	waitFor(t, "fully ready", func() bool { return c.machine.FullyReady() })
}

func TestConversationTranscriptFlow(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	sink := &sinkRecorder{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1"}, notes, sink)
	defer c.Dispose()
	startAndAck(t, c, sess)

	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleUser})
	sess.Emit(realtime.Delta{Role: realtime.RoleUser, Fragment: "I have", FromAudio: true})
	sess.Emit(realtime.Delta{Role: realtime.RoleUser, Fragment: " chest pain", FromAudio: true})
	sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "item-1", Text: "I have chest pain"})

	waitFor(t, "final transcript", func() bool { return len(notes.byType(NotifyTranscript)) == 1 })

	partials := notes.byType(NotifyPartial)
	if len(partials) != 2 {
		t.Errorf("partials = %d, want 2", len(partials))
	}
	final := notes.byType(NotifyTranscript)[0]
	if final.Text != "I have chest pain" || final.Role != transcript.RoleUser {
		t.Errorf("final = %+v", final)
	}
	if final.Timings == nil || final.Timings.FinalizedAtMs == 0 {
		t.Error("final missing timings")
	}

	waitFor(t, "relay delivery", func() bool { return sink.count() == 1 })

	// The provider re-delivers the same utterance; the identifier match
	// suppresses it.
	sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "item-1", Text: "I have chest pain"})
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleAssistant})
	sess.Emit(realtime.Finalized{Role: realtime.RoleAssistant, ItemID: "item-2", Text: "Tell me more."})
	waitFor(t, "assistant final", func() bool { return len(notes.byType(NotifyTranscript)) == 2 })

	finals := notes.byType(NotifyTranscript)
	if finals[1].Role != transcript.RoleAssistant {
		t.Errorf("second final role = %q", finals[1].Role)
	}
}

func TestConversationReuseSuppressesStaleAssistantReply(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1", Reused: true}, notes, nil)
	defer c.Dispose()
	startAndAck(t, c, sess)

	if !c.guard.Active() {
		t.Fatal("reuse guard not armed on reused session")
	}

	// The reattached session replays an assistant response before the user
	// has said anything: it must be dropped.
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleAssistant})
	sess.Emit(realtime.Finalized{Role: realtime.RoleAssistant, ItemID: "stale-1", Text: "As I was saying..."})

	// Then a real exchange.
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleUser})
	sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "u-1", Text: "Where were we?"})
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleAssistant})
	sess.Emit(realtime.Finalized{Role: realtime.RoleAssistant, ItemID: "a-1", Text: "You were telling me about the pain."})

	waitFor(t, "two finals", func() bool { return len(notes.byType(NotifyTranscript)) == 2 })
	time.Sleep(10 * time.Millisecond)

	finals := notes.byType(NotifyTranscript)
	if len(finals) != 2 {
		t.Fatalf("finals = %d, want 2 (stale replay dropped)", len(finals))
	}
	if finals[0].Role != transcript.RoleUser {
		t.Errorf("first emitted final role = %q, want user", finals[0].Role)
	}
	if finals[1].Text != "You were telling me about the pain." {
		t.Errorf("second final = %q", finals[1].Text)
	}
}

func TestConversationUserSpeechDisarmsReuseGuard(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1", Reused: true}, notes, nil)
	defer c.Dispose()
	startAndAck(t, c, sess)

	// The user speaks first, so the assistant's reply is genuine and must
	// pass even though the guard is armed.
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleUser})
	sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "u-1", Text: "Hello again"})
	sess.Emit(realtime.Finalized{Role: realtime.RoleAssistant, ItemID: "a-1", Text: "Hello, doctor."})

	waitFor(t, "both finals", func() bool { return len(notes.byType(NotifyTranscript)) == 2 })
}

func TestConversationStopMakesLateEventsInert(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1"}, notes, nil)
	startAndAck(t, c, sess)

	c.Stop()
	if c.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", c.Status())
	}

	// Events still queued from the closed connection must not produce
	// notifications.
	before := len(notes.byType(NotifyTranscript))
	func() {
		defer func() { recover() }() // channel may already be closed
		sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "late", Text: "too late"})
	}()
	time.Sleep(20 * time.Millisecond)
	if got := len(notes.byType(NotifyTranscript)); got != before {
		t.Errorf("late event produced a transcript notification")
	}
}

func TestConversationInstructionRefreshReachesProvider(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1"}, notes, nil)
	defer c.Dispose()
	startAndAck(t, c, sess)

	// Push 1 is the initial configuration sent during the handshake.
	waitFor(t, "initial configure", func() bool { return len(sess.Instructions()) >= 1 })

	c.RefreshInstructions(SyncRequest{Reason: "phase-advance", Phase: "exam"})
	waitFor(t, "refresh push", func() bool { return len(sess.Instructions()) >= 2 })

	last := sess.Instructions()[len(sess.Instructions())-1]
	if last != "phase=exam gates=" {
		t.Errorf("refresh payload = %q", last)
	}
}

func TestManagerLifecycle(t *testing.T) {
	sess := mock.NewSession()
	mgr := NewManager(ManagerConfig{
		Provider: &mock.Provider{ConnectResult: sess},
		Media:    &fakeMedia{},
		Sessions: &fakeSessions{infos: []SessionInfo{{ID: "s"}}},
		Composer: testComposer(),
	})

	conv, err := mgr.Start(context.Background(), StartParams{EncounterID: "enc-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if mgr.Active() != 1 {
		t.Errorf("active = %d, want 1", mgr.Active())
	}
	if got := mgr.Get("enc-1"); got != conv {
		t.Error("Get returned a different conversation")
	}

	// A second start for the same encounter is rejected.
	if _, err := mgr.Start(context.Background(), StartParams{EncounterID: "enc-1"}); err == nil {
		t.Error("duplicate start succeeded")
	}

	if err := mgr.Dispose("enc-1"); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if mgr.Active() != 0 {
		t.Errorf("active = %d, want 0", mgr.Active())
	}
	if err := mgr.Dispose("enc-1"); err == nil {
		t.Error("double dispose succeeded")
	}
}

// A burst of speech events queued on the provider channel is applied as one
// batch: fragments merge in arrival order and the finalize lands last, even
// when everything was already waiting before the event loop caught up.
func TestConversationAppliesQueuedBurstInOrder(t *testing.T) {
	sess := mock.NewSession()
	notes := &notifyLog{}
	sink := &sinkRecorder{}
	c := newTestConversation(t, sess, SessionInfo{ID: "sess-1"}, notes, sink)
	defer c.Dispose()
	startAndAck(t, c, sess)

	// Queue the whole turn at once; the mock channel buffers it so the
	// router sees a ready backlog rather than one event per wakeup.
	sess.Emit(realtime.SpeechStarted{Role: realtime.RoleUser})
	sess.Emit(realtime.Delta{Role: realtime.RoleUser, Fragment: "the pain", FromAudio: true})
	sess.Emit(realtime.Delta{Role: realtime.RoleUser, Fragment: " started", FromAudio: true})
	sess.Emit(realtime.Delta{Role: realtime.RoleUser, Fragment: " yesterday", FromAudio: true})
	sess.Emit(realtime.Finalized{Role: realtime.RoleUser, ItemID: "item-9", Text: ""})

	waitFor(t, "burst final", func() bool { return len(notes.byType(NotifyTranscript)) == 1 })

	final := notes.byType(NotifyTranscript)[0]
	if final.Text != "the pain started yesterday" {
		t.Errorf("final text = %q", final.Text)
	}
	for i, p := range notes.byType(NotifyPartial) {
		if p.Role != transcript.RoleUser {
			t.Errorf("partial %d role = %q", i, p.Role)
		}
	}
	waitFor(t, "relay delivery", func() bool { return sink.count() == 1 })
}
