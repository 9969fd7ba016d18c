package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/propcall/internal/clock"
	"github.com/DoyleJ11/propcall/internal/engine"
	"github.com/DoyleJ11/propcall/internal/protocol"
	"github.com/DoyleJ11/propcall/internal/roster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type frame struct {
	to  []string
	msg protocol.Message
}

type fakeTransport struct {
	mu    sync.Mutex
	peers []string
	sent  []frame
	err   error
}

func (f *fakeTransport) Send(data []byte, to []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	m, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, frame{to: append([]string(nil), to...), msg: m})
	return nil
}

func (f *fakeTransport) Peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers...)
}

func (f *fakeTransport) setPeers(peers ...string) {
	f.mu.Lock()
	f.peers = peers
	f.mu.Unlock()
}

// take returns and forgets every frame sent so far.
func (f *fakeTransport) take() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func messages(frames []frame) []protocol.Message {
	out := make([]protocol.Message, 0, len(frames))
	for _, fr := range frames {
		out = append(out, fr.msg)
	}
	return out
}

func ofType[T protocol.Message](frames []frame) []T {
	var out []T
	for _, fr := range frames {
		if m, ok := fr.msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

type sinkCh chan Result

func (c sinkCh) Record(_ context.Context, r Result) error {
	c <- r
	return nil
}

type harness struct {
	s   *Session
	tr  *fakeTransport
	clk *clock.Manual
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, clk: clock.NewManual()}

	cfg := DefaultConfig()
	cfg.Clock = h.clk
	cfg.RosterInterval = 0
	cfg.Rand = rand.New(rand.NewPCG(7, 11))
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(context.Background(), cfg, h.tr)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.s = s
	return h
}

func (h *harness) view(t *testing.T) View {
	t.Helper()
	v, err := h.s.View()
	require.NoError(t, err)
	return v
}

func (h *harness) deliver(t *testing.T, from string, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	h.s.Receive(data, from)
}

func TestJoin_FirstPeerBecomesHostAndAnnounces(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")

	require.NoError(t, h.s.Join("amy"))

	v := h.view(t)
	assert.True(t, v.IsHost)
	assert.Equal(t, "amy", v.Host)
	assert.Equal(t, []roster.Standing{{Name: "amy", Score: 0}}, v.Leaderboard)
	assert.Equal(t, []protocol.Message{
		protocol.HostAnnounce{Host: "amy"},
		protocol.ScoreUpdate{Name: "amy", Score: 0},
	}, messages(h.tr.take()))
}

func TestJoin_KnownHostIsKept(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})

	require.NoError(t, h.s.Join("amy"))

	v := h.view(t)
	assert.False(t, v.IsHost)
	assert.Equal(t, "bo", v.Host)
	assert.Empty(t, ofType[protocol.HostAnnounce](h.tr.take()))
}

func TestJoin_NameTakenStaysLocal(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.ScoreUpdate{Name: "bo", Score: 2})

	err := h.s.Join("bo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNameTaken))
	assert.Empty(t, h.tr.take())

	assert.True(t, errors.Is(h.s.Join("  "), ErrEmptyName))

	require.NoError(t, h.s.Join("amy"))
	// rejoining under the same name is not a collision
	require.NoError(t, h.s.Join("amy"))
}

func TestJoin_NameIsFixedOnceJoined(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	h.tr.take()

	err := h.s.Join("zed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyJoined))
	assert.Empty(t, h.tr.take())

	v := h.view(t)
	assert.Equal(t, "amy", v.Self)
	assert.True(t, v.IsHost)
	assert.Equal(t, []roster.Standing{{Name: "amy", Score: 0}}, v.Leaderboard)
}

func TestBroadcast_NoPeersIsNoOp(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())

	assert.Empty(t, h.tr.take())
	assert.Equal(t, 1, h.view(t).State.Round)
}

func TestSendFailure_LoggedAndDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, func(c *Config) { c.Logger = zap.New(core) })
	h.tr.setPeers("p1")
	h.tr.err = errors.New("link down")

	require.NoError(t, h.s.Join("amy"))
	_ = h.view(t)

	entries := logs.FilterMessage("send failed").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "session", entries[0].ContextMap()["component"])
}

func TestPeerConnected_HostResyncsLateJoiner(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	h.deliver(t, "p1", protocol.ScoreUpdate{Name: "bo", Score: 0})
	require.True(t, h.s.StartGame())
	h.tr.take()

	h.tr.setPeers("p1", "p2")
	h.s.PeerConnected("p2")
	_ = h.view(t)
	frames := h.tr.take()

	require.Len(t, frames, 4)
	for _, fr := range frames {
		assert.Equal(t, []string{"p2"}, fr.to)
	}
	assert.Equal(t, protocol.HostAnnounce{Host: "amy"}, frames[0].msg)
	assert.Equal(t, protocol.ScoreUpdate{Name: "amy", Score: 0}, frames[1].msg)
	assert.Equal(t, protocol.PlayerList{Players: []string{"amy", "bo"}}, frames[2].msg)
	snap, ok := frames[3].msg.(protocol.GameStateSnapshot)
	require.True(t, ok)
	assert.Equal(t, 1, snap.State.Round)
}

func TestPeerConnected_AfterGameOverSendsResult(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())
	for i := 0; i < 5; i++ {
		require.True(t, h.s.ReportMatch())
	}
	require.True(t, h.view(t).State.GameOver)
	h.tr.take()

	h.tr.setPeers("p1", "p2")
	h.s.PeerConnected("p2")
	_ = h.view(t)
	frames := h.tr.take()

	require.Len(t, frames, 5)
	assert.Equal(t, protocol.GameOver{Winner: "amy"}, frames[4].msg)

	joiner := newHarness(t)
	for _, fr := range frames {
		joiner.deliver(t, "p0", fr.msg)
	}
	v := joiner.view(t)
	assert.Equal(t, engine.PhaseGameOver, v.State.Phase)
	assert.True(t, v.State.GameOver)
	assert.Equal(t, 5, v.State.Round)
	assert.Equal(t, "amy", v.Winner)

	// the finished round never runs again
	joiner.clk.Advance(time.Minute)
	v = joiner.view(t)
	assert.Equal(t, engine.PhaseGameOver, v.State.Phase)
	assert.Equal(t, 5, v.State.Round)
	assert.Equal(t, 0, joiner.clk.Pending())
}

func TestPeerConnected_NonHostSendsOnlyHostAndScore(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.tr.take()

	h.s.PeerConnected("p1")
	_ = h.view(t)

	assert.Equal(t, []protocol.Message{
		protocol.HostAnnounce{Host: "bo"},
		protocol.ScoreUpdate{Name: "amy", Score: 0},
	}, messages(h.tr.take()))
}

func TestStartGame_NonHostIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.tr.take()

	assert.False(t, h.s.StartGame())
	assert.Empty(t, h.tr.take())
	assert.Equal(t, engine.PhaseIdle, h.view(t).State.Phase)
}

func TestStartGame_HostBroadcastsStartThenSnapshot(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	h.tr.take()

	require.True(t, h.s.StartGame())

	frames := h.tr.take()
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.StartGame{}, frames[0].msg)
	snap := frames[1].msg.(protocol.GameStateSnapshot)
	v := h.view(t)
	assert.Equal(t, protocol.GameState{Round: 1, Score: 0, CurrentLetter: v.State.CurrentLetter, TimeRemaining: 30}, snap.State)
	assert.Equal(t, engine.PromptText(v.State.CurrentLetter), v.Prompt)
}

func TestReceiveStartGame_NonHostStartsWithoutBroadcasting(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.tr.take()

	h.deliver(t, "p1", protocol.StartGame{})
	v := h.view(t)

	assert.Equal(t, engine.PhaseRunning, v.State.Phase)
	assert.Equal(t, 1, v.State.Round)
	assert.Empty(t, h.tr.take())
}

func TestSnapshot_NeverTouchesLocalScore(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.deliver(t, "p1", protocol.StartGame{})
	require.True(t, h.s.ReportMatch())

	h.deliver(t, "p1", protocol.GameStateSnapshot{State: protocol.GameState{Round: 3, Score: 42, CurrentLetter: "R", TimeRemaining: 11}})
	v := h.view(t)

	assert.Equal(t, 1, v.State.Score)
	assert.Equal(t, 3, v.State.Round)
	assert.Equal(t, "R", v.State.CurrentLetter)
	assert.Equal(t, 11, v.State.TimeRemaining)
	assert.Equal(t, []roster.Standing{{Name: "amy", Score: 1}, {Name: "bo", Score: 0}}, v.Leaderboard)
}

func TestScoreUpdatesAndPlayerList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Join("amy"))

	h.deliver(t, "p1", protocol.ScoreUpdate{Name: "bo", Score: 2})
	h.deliver(t, "p1", protocol.ScoreUpdate{Name: "bo", Score: 2})
	h.deliver(t, "p2", protocol.PlayerList{Players: []string{"bo", "cy", "amy"}})
	h.deliver(t, "p2", protocol.ScoreUpdate{Name: "amy", Score: 9})

	assert.Equal(t, []roster.Standing{
		{Name: "bo", Score: 2},
		{Name: "amy", Score: 0},
		{Name: "cy", Score: 0},
	}, h.view(t).Leaderboard)
}

func TestReceive_IgnoresGarbage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Join("amy"))
	before := h.view(t)

	h.s.Receive([]byte(`{"type":"username","username":"eve"}`), "p1")
	h.s.Receive([]byte(`not json`), "p1")
	h.s.Receive([]byte(`{"type":"score","name":"x"}`), "p1")

	assert.Equal(t, before, h.view(t))
}

func TestReportMatch_BroadcastsNewRoundThenScore(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())
	h.tr.take()

	require.True(t, h.s.ReportMatch())

	frames := h.tr.take()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.RoundEnded{Round: 1, Name: "amy"}, frames[0].msg)
	snap := frames[1].msg.(protocol.GameStateSnapshot)
	assert.Equal(t, 2, snap.State.Round)
	assert.Equal(t, 30, snap.State.TimeRemaining)
	assert.Equal(t, protocol.ScoreUpdate{Name: "amy", Score: 1}, frames[2].msg)

	v := h.view(t)
	assert.Equal(t, snap.State.CurrentLetter, v.State.CurrentLetter)
	assert.Equal(t, []roster.Standing{{Name: "amy", Score: 1}}, v.Leaderboard)
}

func TestReportMatch_IgnoredOutsideRound(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Join("amy"))
	assert.False(t, h.s.ReportMatch())

	require.True(t, h.s.StartGame())
	h.deliver(t, "p1", protocol.RoundEnded{Round: 1, Name: "bo"})
	assert.False(t, h.s.ReportMatch())
}

func TestCheckMatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())
	letter := h.view(t).State.CurrentLetter

	assert.False(t, h.s.CheckMatch("xylophone", "xylophone"))
	assert.True(t, h.s.CheckMatch(letter+"anana", " "+letter+"anana"))
	assert.Equal(t, 1, h.view(t).State.Score)
}

func TestFinalMatch_ProclaimsWinnerWithTieBreak(t *testing.T) {
	sink := make(sinkCh, 1)
	h := newHarness(t, func(c *Config) { c.Results = sink })
	h.tr.setPeers("p1", "p2")
	require.NoError(t, h.s.Join("Dave"))
	require.True(t, h.s.StartGame())

	for i := 0; i < 4; i++ {
		require.True(t, h.s.ReportMatch())
	}
	h.deliver(t, "p1", protocol.ScoreUpdate{Name: "Carol", Score: 5})
	h.deliver(t, "p2", protocol.ScoreUpdate{Name: "Bob", Score: 5})
	h.deliver(t, "p2", protocol.ScoreUpdate{Name: "Alice", Score: 3})
	h.tr.take()

	require.True(t, h.s.ReportMatch())

	frames := h.tr.take()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.RoundEnded{Round: 5, Name: "Dave"}, frames[0].msg)
	assert.Equal(t, protocol.ScoreUpdate{Name: "Dave", Score: 5}, frames[1].msg)
	assert.Equal(t, protocol.GameOver{Winner: "Bob"}, frames[2].msg)

	v := h.view(t)
	assert.True(t, v.State.GameOver)
	assert.Equal(t, "Bob", v.Winner)

	select {
	case res := <-sink:
		assert.Equal(t, "Bob", res.Winner)
		assert.Equal(t, 5, res.Rounds)
		assert.Len(t, res.Standings, 4)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for recorded result")
	}
}

func TestReceiveGameOver_TrustsProclaimedWinner(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.deliver(t, "p1", protocol.StartGame{})
	require.True(t, h.s.ReportMatch())

	h.deliver(t, "p1", protocol.GameOver{Winner: "bo"})
	v := h.view(t)

	assert.Equal(t, "bo", v.Winner)
	assert.True(t, v.State.GameOver)
	assert.Equal(t, engine.PhaseGameOver, v.State.Phase)
}

func TestTimeout_HostRebroadcastsAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())
	h.tr.take()

	h.clk.Advance(31 * time.Second)
	v := h.view(t)
	require.True(t, v.State.RoundEnded)
	require.True(t, v.State.LastEndedByTimeout)

	snaps := ofType[protocol.GameStateSnapshot](h.tr.take())
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].State.Round)
	assert.Equal(t, 0, snaps[0].State.TimeRemaining)

	h.clk.Advance(1500 * time.Millisecond)
	v = h.view(t)
	assert.Equal(t, 2, v.State.Round)
	assert.False(t, v.State.RoundEnded)

	snaps = ofType[protocol.GameStateSnapshot](h.tr.take())
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].State.Round)
	assert.Equal(t, 30, snaps[0].State.TimeRemaining)
}

func TestTimeout_NonHostAdvancesQuietly(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.deliver(t, "p1", protocol.StartGame{})
	_ = h.view(t)
	h.tr.take()

	h.clk.Advance(31 * time.Second)
	_ = h.view(t)
	h.clk.Advance(1500 * time.Millisecond)

	assert.Equal(t, 2, h.view(t).State.Round)
	assert.Empty(t, h.tr.take())
}

func TestRoundEnded_WaitsForNextSnapshot(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, "p1", protocol.HostAnnounce{Host: "bo"})
	require.NoError(t, h.s.Join("amy"))
	h.deliver(t, "p1", protocol.StartGame{})

	h.deliver(t, "p1", protocol.RoundEnded{Round: 1, Name: "bo"})
	v := h.view(t)
	require.True(t, v.State.RoundEnded)
	require.False(t, v.State.LastEndedByTimeout)

	// no timeout while waiting
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.view(t).State.Round)

	h.deliver(t, "p1", protocol.GameStateSnapshot{State: protocol.GameState{Round: 2, CurrentLetter: "S", TimeRemaining: 30}})
	v = h.view(t)
	assert.Equal(t, engine.PhaseRunning, v.State.Phase)
	assert.Equal(t, "S", v.State.CurrentLetter)
}

func TestHostRace_LastAppliedWins(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	require.NoError(t, a.s.Join("amy"))
	require.NoError(t, b.s.Join("bo"))
	require.True(t, a.view(t).IsHost)
	require.True(t, b.view(t).IsHost)

	a.deliver(t, "pb", protocol.HostAnnounce{Host: "bo"})
	b.deliver(t, "pa", protocol.HostAnnounce{Host: "amy"})

	// each side took the last announce it applied
	assert.Equal(t, "bo", a.view(t).Host)
	assert.Equal(t, "amy", b.view(t).Host)
}

func TestHostRace_TiebreakConvergesOnSmallestID(t *testing.T) {
	tiebreak := func(c *Config) { c.HostTiebreak = true }
	a := newHarness(t, tiebreak)
	b := newHarness(t, tiebreak)
	require.NoError(t, a.s.Join("amy"))
	require.NoError(t, b.s.Join("bo"))
	a.tr.setPeers("pb")
	b.tr.setPeers("pa")

	a.deliver(t, "pb", protocol.HostAnnounce{Host: "bo"})
	b.deliver(t, "pa", protocol.HostAnnounce{Host: "amy"})
	_ = a.view(t)

	// amy answered bo's claim; deliver it
	for _, fr := range a.tr.take() {
		b.deliver(t, "pa", fr.msg)
	}

	assert.Equal(t, "amy", a.view(t).Host)
	assert.Equal(t, "amy", b.view(t).Host)
	assert.True(t, a.view(t).IsHost)
	assert.False(t, b.view(t).IsHost)
}

func TestRosterRepair_OnlyHostRebroadcasts(t *testing.T) {
	every := func(c *Config) { c.RosterInterval = 5 * time.Second }
	host := newHarness(t, every)
	host.tr.setPeers("p1")
	require.NoError(t, host.s.Join("amy"))
	host.deliver(t, "p1", protocol.ScoreUpdate{Name: "bo", Score: 1})
	_ = host.view(t)
	host.tr.take()

	host.clk.Advance(5 * time.Second)
	_ = host.view(t)
	assert.Equal(t, []protocol.Message{
		protocol.HostAnnounce{Host: "amy"},
		protocol.PlayerList{Players: []string{"amy", "bo"}},
	}, messages(host.tr.take()))

	guest := newHarness(t, every)
	guest.tr.setPeers("p1")
	guest.deliver(t, "p1", protocol.HostAnnounce{Host: "amy"})
	require.NoError(t, guest.s.Join("bo"))
	guest.tr.take()

	guest.clk.Advance(5 * time.Second)
	_ = guest.view(t)
	assert.Empty(t, guest.tr.take())
}

func TestReset_BackToLobbyEverywhere(t *testing.T) {
	h := newHarness(t)
	h.tr.setPeers("p1")
	require.NoError(t, h.s.Join("amy"))
	require.True(t, h.s.StartGame())
	require.True(t, h.s.ReportMatch())
	h.tr.take()

	require.NoError(t, h.s.Reset())
	assert.Equal(t, []protocol.Message{
		protocol.ScoreUpdate{Name: "amy", Score: 0},
		protocol.ResetGame{},
	}, messages(h.tr.take()))

	v := h.view(t)
	assert.Equal(t, engine.State{Phase: engine.PhaseIdle}, v.State)
	assert.Equal(t, "", v.Prompt)

	other := newHarness(t)
	other.deliver(t, "p1", protocol.HostAnnounce{Host: "amy"})
	require.NoError(t, other.s.Join("bo"))
	other.deliver(t, "p1", protocol.StartGame{})
	other.deliver(t, "p1", protocol.ResetGame{})
	assert.Equal(t, engine.PhaseIdle, other.view(t).State.Phase)
}

func TestClose_CallsFailFast(t *testing.T) {
	h := newHarness(t)
	h.s.Close()

	_, err := h.s.View()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(h.s.Join("amy"), ErrClosed))
	assert.False(t, h.s.StartGame())
}
