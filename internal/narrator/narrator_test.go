package narrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/narrator"
	"github.com/MrWong99/stagecraft/pkg/types"
)

type post struct {
	channel string
	embed   *discordgo.MessageEmbed
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []post
	err  error
}

var _ narrator.Sender = (*fakeSender)(nil)

func (f *fakeSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, post{channelID, embed})
	if f.err != nil {
		return nil, f.err
	}
	return &discordgo.Message{ID: "m", ChannelID: channelID}, nil
}

func (f *fakeSender) sent() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.msgs...)
}

func waitFor(t *testing.T, f *fakeSender, n int) []post {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d posts, got %d", n, len(f.sent()))
	return nil
}

func start(t *testing.T, sender narrator.Sender) *events.Bus {
	t.Helper()
	bus := events.NewBus()
	n := narrator.New(sender, "chan-1")
	n.Listen(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})
	return bus
}

func duel() types.Incident {
	return types.Incident{
		ID:             "in-1",
		Kind:           types.IncidentCombat,
		RequiredTokens: []types.Token{{Role: "opponent", Name: "Goblin", Tier: 1}},
		Tone:           types.Tone{Mood: types.MoodDire, Intensity: 4},
		Mechanics:      types.Mechanics{Mode: types.ModeAutobattler, Difficulty: 4},
		Narrative:      types.Narrative{Entry: "A goblin blocks the road.", Exit: "The road is clear."},
		Amount:         650,
	}
}

func TestNarrator_PostsEntryAndExit(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	bus := start(t, f)

	bus.Publish(events.EpisodeStarted{Episode: types.Episode{ID: "ep-1"}, Incident: duel()})
	bus.Publish(events.EpisodeAftermath{
		EpisodeID:  "ep-1",
		Resolution: types.Resolution{Mode: types.ResolvedByAuto, ChoiceID: "health", Notes: "victory after 3 rounds"},
	})

	got := waitFor(t, f, 2)
	entry, exit := got[0], got[1]
	if entry.channel != "chan-1" {
		t.Errorf("channel: got %q", entry.channel)
	}
	if entry.embed.Title != "Combat" || entry.embed.Description != "A goblin blocks the road." {
		t.Errorf("entry: got %q / %q", entry.embed.Title, entry.embed.Description)
	}
	if entry.embed.Color != 0xE74C3C {
		t.Errorf("dire incidents should post in red, got %#x", entry.embed.Color)
	}
	if len(entry.embed.Fields) != 4 || entry.embed.Fields[2].Value != "Goblin" {
		t.Errorf("entry fields: got %d", len(entry.embed.Fields))
	}

	if exit.embed.Title != "Combat (resolved)" || exit.embed.Description != "The road is clear." {
		t.Errorf("exit: got %q / %q", exit.embed.Title, exit.embed.Description)
	}
	if len(exit.embed.Fields) != 3 {
		t.Errorf("exit fields: got %d, want 3", len(exit.embed.Fields))
	}
}

func TestNarrator_SendErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	f := &fakeSender{err: errors.New("HTTP 403 Forbidden")}
	bus := start(t, f)

	bus.Publish(events.EpisodeStarted{Episode: types.Episode{ID: "ep-1"}, Incident: duel()})
	bus.Publish(events.EpisodeStarted{Episode: types.Episode{ID: "ep-2"}, Incident: duel()})
	waitFor(t, f, 2)
}

func TestExitEmbed_CaptionWins(t *testing.T) {
	t.Parallel()
	e := narrator.ExitEmbed(duel(), events.EpisodeAftermath{Caption: "Custom ending."})
	if e.Description != "Custom ending." {
		t.Errorf("description: got %q", e.Description)
	}
	e = narrator.ExitEmbed(types.Incident{}, events.EpisodeAftermath{})
	if e.Title != "Incident (resolved)" {
		t.Errorf("title for unknown incident: got %q", e.Title)
	}
}

func TestEntryEmbed_Colours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mood types.Mood
		want int
	}{
		{types.MoodCalm, 0x3498DB},
		{types.MoodTense, 0xF1C40F},
		{types.MoodDire, 0xE74C3C},
		{"", 0x3498DB},
	}
	for _, tt := range tests {
		in := types.Incident{Tone: types.Tone{Mood: tt.mood}}
		if got := narrator.EntryEmbed(in).Color; got != tt.want {
			t.Errorf("mood %q: got %#x, want %#x", tt.mood, got, tt.want)
		}
	}
}

func TestNewSession(t *testing.T) {
	t.Parallel()
	s, err := narrator.NewSession("abc")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Token != "Bot abc" {
		t.Errorf("token: got %q", s.Token)
	}
}
