// Package narrator posts incident captions to a Discord channel. Entry
// captions are posted when an episode starts and exit captions when it
// reaches its aftermath.
package narrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/stagecraft/internal/events"
	"github.com/MrWong99/stagecraft/internal/observe"
	"github.com/MrWong99/stagecraft/pkg/types"
)

// Sender posts embeds to a channel. It is satisfied by [*discordgo.Session].
type Sender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Sender = (*discordgo.Session)(nil)

// Embed sidebar colours.
const (
	colorCalm     = 0x3498DB
	colorTense    = 0xF1C40F
	colorDire     = 0xE74C3C
	colorResolved = 0x2ECC71
)

const defaultBuffer = 32

// NewSession creates a bot session for token. The session is used for REST
// calls only; the gateway is never opened.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("narrator: create session: %w", err)
	}
	return s, nil
}

type post struct {
	episodeID string
	embed     *discordgo.MessageEmbed
}

// Narrator turns episode events into channel posts. Posting happens on the
// goroutine running [Narrator.Run]; events are never blocked on Discord.
type Narrator struct {
	sender    Sender
	channelID string
	ch        chan post

	mu        sync.Mutex
	incidents map[string]types.Incident
	subs      []*events.Subscription
}

// New creates a Narrator posting to channelID through sender.
func New(sender Sender, channelID string) *Narrator {
	return &Narrator{
		sender:    sender,
		channelID: channelID,
		ch:        make(chan post, defaultBuffer),
		incidents: make(map[string]types.Incident),
	}
}

// Listen subscribes to episode lifecycle events on bus.
func (n *Narrator) Listen(bus *events.Bus) {
	subs := []*events.Subscription{
		events.On(bus, n.onStarted),
		events.On(bus, n.onAftermath),
		events.On(bus, func(ev events.EpisodeCancelled) { n.forget(ev.EpisodeID) }),
	}
	n.mu.Lock()
	n.subs = append(n.subs, subs...)
	n.mu.Unlock()
}

// Run posts queued captions until ctx is cancelled. It always returns nil.
func (n *Narrator) Run(ctx context.Context) error {
	for {
		select {
		case p := <-n.ch:
			n.send(ctx, p)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Narrator) send(ctx context.Context, p post) {
	ctx, span := observe.StartSpan(ctx, "narrator.Post")
	ctx = observe.WithEpisode(ctx, p.episodeID)
	_, err := n.sender.ChannelMessageSendEmbed(n.channelID, p.embed, discordgo.WithContext(ctx))
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("narrator: failed to post caption", "channel", n.channelID, "err", err)
	}
}

// Close releases bus subscriptions.
func (n *Narrator) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (n *Narrator) onStarted(ev events.EpisodeStarted) {
	n.mu.Lock()
	n.incidents[ev.Episode.ID] = ev.Incident
	n.mu.Unlock()
	n.enqueue(ev.Episode.ID, EntryEmbed(ev.Incident))
}

func (n *Narrator) onAftermath(ev events.EpisodeAftermath) {
	n.mu.Lock()
	in := n.incidents[ev.EpisodeID]
	delete(n.incidents, ev.EpisodeID)
	n.mu.Unlock()
	n.enqueue(ev.EpisodeID, ExitEmbed(in, ev))
}

func (n *Narrator) forget(episodeID string) {
	n.mu.Lock()
	delete(n.incidents, episodeID)
	n.mu.Unlock()
}

func (n *Narrator) enqueue(episodeID string, embed *discordgo.MessageEmbed) {
	select {
	case n.ch <- post{episodeID: episodeID, embed: embed}:
	default:
		slog.Warn("narrator: queue full, caption dropped", "episode_id", episodeID)
	}
}

// EntryEmbed renders the caption posted when an incident is staged.
func EntryEmbed(in types.Incident) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Difficulty", Value: fmt.Sprintf("%d", in.Mechanics.Difficulty), Inline: true},
		{Name: "Mode", Value: string(in.Mechanics.Mode), Inline: true},
	}
	if opp := in.Opponent(); opp.Name != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Opponent", Value: opp.Name, Inline: true})
	}
	if in.Amount > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Amount", Value: fmt.Sprintf("%.2f", in.Amount), Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       title(in),
		Description: in.Narrative.Entry,
		Color:       moodColor(in.Tone.Mood),
		Fields:      fields,
	}
}

// ExitEmbed renders the caption posted when an episode reaches its
// aftermath. The caption carried by the event wins over the incident's exit
// narrative.
func ExitEmbed(in types.Incident, ev events.EpisodeAftermath) *discordgo.MessageEmbed {
	desc := ev.Caption
	if desc == "" {
		desc = in.Narrative.Exit
	}
	res := ev.Resolution
	fields := []*discordgo.MessageEmbedField{
		{Name: "Resolved by", Value: string(res.Mode), Inline: true},
	}
	if res.ChoiceID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Choice", Value: res.ChoiceID, Inline: true})
	}
	if res.Notes != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Notes", Value: res.Notes, Inline: false})
	}
	return &discordgo.MessageEmbed{
		Title:       title(in) + " (resolved)",
		Description: desc,
		Color:       colorResolved,
		Fields:      fields,
	}
}

func title(in types.Incident) string {
	if in.Kind == "" {
		return "Incident"
	}
	k := string(in.Kind)
	return strings.ToUpper(k[:1]) + k[1:]
}

func moodColor(m types.Mood) int {
	switch m {
	case types.MoodDire:
		return colorDire
	case types.MoodTense:
		return colorTense
	default:
		return colorCalm
	}
}
